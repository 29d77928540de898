// Package status rolls task completion up into one incident-level status.
package status

import (
	"time"

	"carewatch/core/store"
)

const (
	StatusOpen    = "open"
	StatusOverdue = "overdue"
	StatusClosed  = "closed"
)

// Evaluate returns exactly one of closed, overdue, or open: closed when
// every task is completed, overdue when any pending task is past due at the
// evaluation time, open otherwise. Cheap enough to recompute eagerly.
func Evaluate(tasks []store.Task, now time.Time) string {
	allCompleted := true
	overdue := false
	for _, t := range tasks {
		if t.Status == store.TaskCompleted {
			continue
		}
		allCompleted = false
		if t.DueAt.Before(now) {
			overdue = true
		}
	}
	if allCompleted {
		return StatusClosed
	}
	if overdue {
		return StatusOverdue
	}
	return StatusOpen
}
