// Package reconcile retroactively marks tasks completed from evidence notes
// already on file. It works over coarse phase windows, not the generator's
// per-visit slicing: one documented visit inside a phase window settles that
// window's earliest pending task.
package reconcile

import (
	"sort"
	"time"

	"carewatch/core/evidence"
	"carewatch/core/policy"
	"carewatch/core/store"
)

// Completion is one pending task satisfied by a note. The engine applies
// completions to the store; the analysis itself is pure.
type Completion struct {
	TaskID      int64
	CompletedAt time.Time
	EvidenceRef string
}

type window struct {
	phaseIndex int
	start      time.Time
	end        time.Time
}

// Reconcile buckets note offsets into the policy's phase windows and
// resolves at most one completion per window: the first qualifying note
// either already settled the window (its ID is recorded as evidence) or
// completes the earliest still-pending task in it. Notes outside the
// monitoring span and notes with unusable timestamps are skipped. The result
// is monotonic and idempotent: completed tasks stay completed, and a second
// pass over the same evidence resolves nothing new.
func Reconcile(tasks []store.Task, notes []evidence.Note, occurredAt time.Time, phases []policy.Phase) ([]Completion, error) {
	windows, err := phaseWindows(occurredAt, phases)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 || len(tasks) == 0 {
		return []Completion{}, nil
	}
	spanEnd := windows[len(windows)-1].end

	ordered := make([]evidence.Note, 0, len(notes))
	for _, n := range notes {
		if n.CreatedAt.IsZero() {
			continue
		}
		if n.CreatedAt.Before(occurredAt) || !n.CreatedAt.Before(spanEnd) {
			continue
		}
		ordered = append(ordered, n)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	used := map[string]bool{}
	for _, t := range tasks {
		if t.CompletionEvidenceRef != nil {
			used[*t.CompletionEvidenceRef] = true
		}
	}

	completions := []Completion{}
	for _, w := range windows {
		first := firstNoteIn(ordered, w)
		if first == nil {
			continue
		}
		if used[first.ID] {
			// This window was settled by a previous pass.
			continue
		}
		task := earliestPendingIn(tasks, w.phaseIndex)
		if task == nil {
			continue
		}
		completions = append(completions, Completion{
			TaskID:      task.ID,
			CompletedAt: first.CreatedAt.UTC(),
			EvidenceRef: first.ID,
		})
		used[first.ID] = true
	}
	return completions, nil
}

func phaseWindows(occurredAt time.Time, phases []policy.Phase) ([]window, error) {
	windows := make([]window, 0, len(phases))
	cursor := occurredAt.UTC()
	for _, ph := range phases {
		dur, err := ph.DurationMinutes()
		if err != nil {
			return nil, err
		}
		end := cursor.Add(time.Duration(dur) * time.Minute)
		windows = append(windows, window{phaseIndex: ph.Index, start: cursor, end: end})
		cursor = end
	}
	return windows, nil
}

func firstNoteIn(ordered []evidence.Note, w window) *evidence.Note {
	for i := range ordered {
		ts := ordered[i].CreatedAt
		if !ts.Before(w.start) && ts.Before(w.end) {
			return &ordered[i]
		}
	}
	return nil
}

func earliestPendingIn(tasks []store.Task, phaseIndex int) *store.Task {
	var best *store.Task
	for i := range tasks {
		t := &tasks[i]
		if t.PhaseIndex != phaseIndex || t.Status != store.TaskPending {
			continue
		}
		if best == nil || t.DueAt.Before(best.DueAt) || (t.DueAt.Equal(best.DueAt) && t.VisitIndex < best.VisitIndex) {
			best = t
		}
	}
	return best
}
