// Package schedule expands a policy's phased schedule into concrete tasks
// anchored to the incident's occurrence time.
package schedule

import (
	"fmt"
	"time"

	"carewatch/core/policy"
	"carewatch/core/store"
)

// Generate walks the phases in order with a running cursor starting at the
// incident time. For each phase it emits max(1, floor(duration/interval))
// visits at interval steps, then advances the cursor by the phase duration.
// The result is the complete batch or an error; never a partial set.
func Generate(incident *store.Incident, pol *policy.Policy) ([]store.Task, error) {
	if incident == nil || pol == nil {
		return nil, fmt.Errorf("schedule: incident and policy are required")
	}
	if incident.OccurredAt.IsZero() {
		return nil, fmt.Errorf("schedule: incident %d has no occurrence time", incident.ID)
	}
	tasks := []store.Task{}
	cursor := incident.OccurredAt.UTC()
	for _, phase := range pol.Schedule {
		interval, err := phase.IntervalMinutes()
		if err != nil {
			return nil, fmt.Errorf("schedule: policy %s phase %d: %w", pol.ID, phase.Index, err)
		}
		duration, err := phase.DurationMinutes()
		if err != nil {
			return nil, fmt.Errorf("schedule: policy %s phase %d: %w", pol.ID, phase.Index, err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("schedule: policy %s phase %d: interval must be positive", pol.ID, phase.Index)
		}
		visits := duration / interval
		if visits < 1 {
			visits = 1
		}
		for k := int64(0); k < visits; k++ {
			tasks = append(tasks, store.Task{
				IncidentID:            incident.ID,
				PolicyID:              pol.ID,
				PolicyVersion:         pol.Version,
				PhaseIndex:            phase.Index,
				VisitIndex:            int(k),
				DueAt:                 cursor.Add(time.Duration(k*interval) * time.Minute),
				AssignedRole:          pol.AssignedRole,
				DocumentationRequired: pol.DocumentationRequired,
				Status:                store.TaskPending,
			})
		}
		cursor = cursor.Add(time.Duration(duration) * time.Minute)
	}
	return tasks, nil
}
