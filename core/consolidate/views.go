package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carewatch/core/status"
	"carewatch/core/store"
)

const (
	ViewCompliance  = "compliance"
	viewSitePrefix  = "site:"
	viewRolePending = "role:pending:"
)

// ErrUnknownView marks a cache key no view can produce.
var ErrUnknownView = errors.New("consolidate: unknown view key")

// Views computes the aggregate payloads served from the entries cache. Each
// view is independent: one failing view never blocks the others.
type Views struct {
	incidents store.IncidentsStore
	tasks     store.TasksStore
	ttl       time.Duration
	window    time.Duration
	now       func() time.Time
}

func NewViews(incidents store.IncidentsStore, tasks store.TasksStore, ttl, complianceWindow time.Duration) *Views {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if complianceWindow <= 0 {
		complianceWindow = 7 * 24 * time.Hour
	}
	return &Views{
		incidents: incidents,
		tasks:     tasks,
		ttl:       ttl,
		window:    complianceWindow,
		now:       time.Now,
	}
}

// SetClock overrides the view clock; used by tests.
func (v *Views) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Keys enumerates every view worth precomputing right now: the facility
// compliance rollup, one view per site with recent incidents, and one
// pending-workload view per assigned role.
func (v *Views) Keys(ctx context.Context) ([]string, error) {
	now := v.now().UTC()
	keys := []string{ViewCompliance}

	incidents, err := v.incidents.ListIncidentsSince(ctx, now.Add(-v.window))
	if err != nil {
		return nil, err
	}
	sites := map[string]struct{}{}
	for _, inc := range incidents {
		if inc.Site != "" {
			sites[inc.Site] = struct{}{}
		}
	}
	for site := range sites {
		keys = append(keys, viewSitePrefix+site)
	}

	pending, err := v.tasks.ListPendingTasks(ctx)
	if err != nil {
		return nil, err
	}
	roles := map[string]struct{}{}
	for _, t := range pending {
		if t.AssignedRole != "" {
			roles[t.AssignedRole] = struct{}{}
		}
	}
	for role := range roles {
		keys = append(keys, viewRolePending+role)
	}
	sort.Strings(keys[1:])
	return keys, nil
}

// Compute builds one view payload and stamps it with the cache TTL.
func (v *Views) Compute(ctx context.Context, key string) (*store.CacheEntry, error) {
	var (
		payload any
		err     error
	)
	switch {
	case key == ViewCompliance:
		payload, err = v.compliance(ctx)
	case strings.HasPrefix(key, viewSitePrefix):
		payload, err = v.siteSummary(ctx, strings.TrimPrefix(key, viewSitePrefix))
	case strings.HasPrefix(key, viewRolePending):
		payload, err = v.rolePending(ctx, strings.TrimPrefix(key, viewRolePending))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, key)
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := v.now().UTC()
	return &store.CacheEntry{
		Key:        key,
		Payload:    string(raw),
		ComputedAt: now,
		ExpiresAt:  now.Add(v.ttl),
	}, nil
}

type complianceView struct {
	WindowHours    int     `json:"window_hours"`
	Incidents      int     `json:"incidents"`
	Open           int     `json:"open"`
	Overdue        int     `json:"overdue"`
	Closed         int     `json:"closed"`
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksOverdue   int     `json:"tasks_overdue"`
	CompletionRate float64 `json:"completion_rate"`
}

func (v *Views) compliance(ctx context.Context) (*complianceView, error) {
	now := v.now().UTC()
	incidents, err := v.incidents.ListIncidentsSince(ctx, now.Add(-v.window))
	if err != nil {
		return nil, err
	}
	out := &complianceView{WindowHours: int(v.window.Hours())}
	out.Incidents = len(incidents)
	for _, inc := range incidents {
		switch inc.Status {
		case status.StatusOpen:
			out.Open++
		case status.StatusOverdue:
			out.Overdue++
		case status.StatusClosed:
			out.Closed++
		}
		tasks, err := v.tasks.ListTasksForIncident(ctx, inc.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			out.TasksTotal++
			switch {
			case t.Status == store.TaskCompleted:
				out.TasksCompleted++
			case t.DueAt.Before(now):
				out.TasksOverdue++
			}
		}
	}
	if out.TasksTotal > 0 {
		out.CompletionRate = float64(out.TasksCompleted) / float64(out.TasksTotal)
	}
	return out, nil
}

type siteView struct {
	Site      string `json:"site"`
	Incidents int    `json:"incidents"`
	Open      int    `json:"open"`
	Overdue   int    `json:"overdue"`
	Closed    int    `json:"closed"`
}

func (v *Views) siteSummary(ctx context.Context, site string) (*siteView, error) {
	incidents, err := v.incidents.ListIncidentsSince(ctx, v.now().UTC().Add(-v.window))
	if err != nil {
		return nil, err
	}
	out := &siteView{Site: site}
	for _, inc := range incidents {
		if inc.Site != site {
			continue
		}
		out.Incidents++
		switch inc.Status {
		case status.StatusOpen:
			out.Open++
		case status.StatusOverdue:
			out.Overdue++
		case status.StatusClosed:
			out.Closed++
		}
	}
	return out, nil
}

type rolePendingView struct {
	Role    string     `json:"role"`
	Pending int        `json:"pending"`
	Overdue int        `json:"overdue"`
	NextDue *time.Time `json:"next_due,omitempty"`
}

func (v *Views) rolePending(ctx context.Context, role string) (*rolePendingView, error) {
	pending, err := v.tasks.ListPendingTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := v.now().UTC()
	out := &rolePendingView{Role: role}
	for _, t := range pending {
		if t.AssignedRole != role {
			continue
		}
		out.Pending++
		if t.DueAt.Before(now) {
			out.Overdue++
		}
		if out.NextDue == nil || t.DueAt.Before(*out.NextDue) {
			due := t.DueAt
			out.NextDue = &due
		}
	}
	return out, nil
}
