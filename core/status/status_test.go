package status

import (
	"testing"
	"time"

	"carewatch/core/store"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name  string
		tasks []store.Task
		want  string
	}{
		{
			"all completed",
			[]store.Task{
				{Status: store.TaskCompleted, DueAt: past},
				{Status: store.TaskCompleted, DueAt: future},
			},
			StatusClosed,
		},
		{
			"no tasks is closed",
			nil,
			StatusClosed,
		},
		{
			"pending past due",
			[]store.Task{
				{Status: store.TaskCompleted, DueAt: past},
				{Status: store.TaskPending, DueAt: past},
			},
			StatusOverdue,
		},
		{
			"pending but not yet due",
			[]store.Task{
				{Status: store.TaskCompleted, DueAt: past},
				{Status: store.TaskPending, DueAt: future},
			},
			StatusOpen,
		},
		{
			"overdue completed task does not matter",
			[]store.Task{
				{Status: store.TaskCompleted, DueAt: past},
				{Status: store.TaskPending, DueAt: future},
			},
			StatusOpen,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.tasks, now); got != tc.want {
				t.Fatalf("Evaluate = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEvaluateDueExactlyNowIsNotOverdue(t *testing.T) {
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	tasks := []store.Task{{Status: store.TaskPending, DueAt: now}}
	if got := Evaluate(tasks, now); got != StatusOpen {
		t.Fatalf("a task due exactly now is not yet overdue, got %s", got)
	}
}
