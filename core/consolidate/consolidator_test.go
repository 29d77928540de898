package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"carewatch/config"
	"carewatch/core/status"
	"carewatch/core/store"
	"carewatch/core/storelock"
	"carewatch/core/utils"
)

type consolidateEnv struct {
	views     *Views
	cons      *Consolidator
	incidents store.IncidentsStore
	tasks     store.TasksStore
	cache     store.CacheStore
	runs      store.ConsolidatorRunsStore
	lock      *storelock.Lock
}

func setupConsolidate(t *testing.T) (*consolidateEnv, context.Context) {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "consolidate.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := store.ApplyMigrations(ctx, db, "sqlite", logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	incidents := store.NewIncidentsStore(db)
	tasks := store.NewTasksStore(db)
	cache := store.NewCacheStore(db)
	runs := store.NewConsolidatorRunsStore(db)
	views := NewViews(incidents, tasks, 30*time.Minute, 7*24*time.Hour)
	// Short acquisition timeout keeps the contention tests quick; uncontended
	// acquisitions succeed immediately regardless.
	lock := storelock.New(25 * time.Millisecond)
	cons := NewConsolidator(
		config.ConsolidatorConfig{Enabled: true, Interval: time.Minute, CacheTTL: 30 * time.Minute},
		views, incidents, tasks, cache, runs, lock, logger)
	return &consolidateEnv{views: views, cons: cons, incidents: incidents, tasks: tasks, cache: cache, runs: runs, lock: lock}, ctx
}

func seedIncident(t *testing.T, ctx context.Context, env *consolidateEnv, ref, site, incidentStatus string, occurredAt time.Time, tasks []store.Task) int64 {
	t.Helper()
	id, err := env.incidents.CreateIncident(ctx, &store.Incident{
		ExternalRef:  ref,
		SubjectRef:   "resident-1",
		IncidentType: "fall",
		OccurredAt:   occurredAt,
		Site:         site,
		Status:       incidentStatus,
	})
	if err != nil {
		t.Fatalf("seed incident %s: %v", ref, err)
	}
	if len(tasks) > 0 {
		if err := env.tasks.ReplaceBatch(ctx, id, tasks); err != nil {
			t.Fatalf("seed tasks for %s: %v", ref, err)
		}
	}
	return id
}

func TestKeysEnumeratesComplianceSitesAndRoles(t *testing.T) {
	env, ctx := setupConsolidate(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	env.cons.SetClock(func() time.Time { return now })

	seedIncident(t, ctx, env, "K-1", "west-wing", status.StatusOpen, now.Add(-time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(time.Hour), AssignedRole: "nurse"},
	})
	seedIncident(t, ctx, env, "K-2", "east-wing", status.StatusOverdue, now.Add(-2*time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(-time.Hour), AssignedRole: "carer"},
	})
	// Out of the compliance window: contributes no site key.
	seedIncident(t, ctx, env, "K-3", "annex", status.StatusClosed, now.Add(-30*24*time.Hour), nil)

	keys, err := env.views.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []string{
		ViewCompliance,
		"role:pending:carer",
		"role:pending:nurse",
		"site:east-wing",
		"site:west-wing",
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestComputeComplianceView(t *testing.T) {
	env, ctx := setupConsolidate(t)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	env.cons.SetClock(func() time.Time { return now })

	completedAt := now.Add(-time.Hour)
	id := seedIncident(t, ctx, env, "C-1", "west-wing", status.StatusOverdue, now.Add(-3*time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(-2 * time.Hour), AssignedRole: "nurse"},
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 1, DueAt: now.Add(-time.Hour), AssignedRole: "nurse"},
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 2, DueAt: now.Add(time.Hour), AssignedRole: "nurse"},
	})
	inserted, _ := env.tasks.ListTasksForIncident(ctx, id)
	if err := env.tasks.CompleteTask(ctx, inserted[0].ID, completedAt, "note-x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	seedIncident(t, ctx, env, "C-2", "east-wing", status.StatusClosed, now.Add(-24*time.Hour), nil)

	entry, err := env.views.Compute(ctx, ViewCompliance)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !entry.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("ttl stamp wrong: %s", entry.ExpiresAt)
	}
	var view struct {
		Incidents      int     `json:"incidents"`
		Open           int     `json:"open"`
		Overdue        int     `json:"overdue"`
		Closed         int     `json:"closed"`
		TasksTotal     int     `json:"tasks_total"`
		TasksCompleted int     `json:"tasks_completed"`
		TasksOverdue   int     `json:"tasks_overdue"`
		CompletionRate float64 `json:"completion_rate"`
	}
	if err := json.Unmarshal([]byte(entry.Payload), &view); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if view.Incidents != 2 || view.Overdue != 1 || view.Closed != 1 {
		t.Fatalf("incident counts wrong: %+v", view)
	}
	if view.TasksTotal != 3 || view.TasksCompleted != 1 || view.TasksOverdue != 1 {
		t.Fatalf("task counts wrong: %+v", view)
	}
	if view.CompletionRate < 0.33 || view.CompletionRate > 0.34 {
		t.Fatalf("completion rate wrong: %v", view.CompletionRate)
	}
}

func TestComputeSiteAndRoleViews(t *testing.T) {
	env, ctx := setupConsolidate(t)
	now := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)
	env.cons.SetClock(func() time.Time { return now })

	seedIncident(t, ctx, env, "S-1", "west-wing", status.StatusOpen, now.Add(-time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(-30 * time.Minute), AssignedRole: "nurse"},
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 1, DueAt: now.Add(30 * time.Minute), AssignedRole: "nurse"},
	})
	seedIncident(t, ctx, env, "S-2", "east-wing", status.StatusOpen, now.Add(-time.Hour), nil)

	entry, err := env.views.Compute(ctx, "site:west-wing")
	if err != nil {
		t.Fatalf("site view: %v", err)
	}
	var site struct {
		Site      string `json:"site"`
		Incidents int    `json:"incidents"`
		Open      int    `json:"open"`
	}
	if err := json.Unmarshal([]byte(entry.Payload), &site); err != nil {
		t.Fatalf("site payload: %v", err)
	}
	if site.Site != "west-wing" || site.Incidents != 1 || site.Open != 1 {
		t.Fatalf("site view wrong: %+v", site)
	}

	entry, err = env.views.Compute(ctx, "role:pending:nurse")
	if err != nil {
		t.Fatalf("role view: %v", err)
	}
	var role struct {
		Role    string     `json:"role"`
		Pending int        `json:"pending"`
		Overdue int        `json:"overdue"`
		NextDue *time.Time `json:"next_due"`
	}
	if err := json.Unmarshal([]byte(entry.Payload), &role); err != nil {
		t.Fatalf("role payload: %v", err)
	}
	if role.Role != "nurse" || role.Pending != 2 || role.Overdue != 1 {
		t.Fatalf("role view wrong: %+v", role)
	}
	if role.NextDue == nil || !role.NextDue.Equal(now.Add(-30*time.Minute)) {
		t.Fatalf("next due wrong: %v", role.NextDue)
	}

	if _, err := env.views.Compute(ctx, "bogus:key"); !errors.Is(err, ErrUnknownView) {
		t.Fatalf("unknown key must fail with ErrUnknownView, got %v", err)
	}
}

func TestRunOnceRefreshesPersistsAndSweeps(t *testing.T) {
	env, ctx := setupConsolidate(t)
	now := time.Date(2026, 4, 4, 12, 0, 0, 0, time.UTC)
	env.cons.SetClock(func() time.Time { return now })

	// Open incident whose only pending task is already late.
	lateID := seedIncident(t, ctx, env, "R-1", "west-wing", status.StatusOpen, now.Add(-3*time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(-time.Hour), AssignedRole: "nurse"},
	})
	// Closed incident must not be touched.
	closedID := seedIncident(t, ctx, env, "R-2", "east-wing", status.StatusClosed, now.Add(-24*time.Hour), nil)
	// Stale cache entry for the sweep.
	if err := env.cache.UpsertEntry(ctx, &store.CacheEntry{
		Key: "site:old", Payload: "{}", ComputedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	if err := env.cons.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	late, _ := env.incidents.GetIncident(ctx, lateID)
	if late.Status != status.StatusOverdue {
		t.Fatalf("cycle must flip open to overdue, got %s", late.Status)
	}
	closed, _ := env.incidents.GetIncident(ctx, closedID)
	if closed.Status != status.StatusClosed {
		t.Fatalf("closed incident must stay closed, got %s", closed.Status)
	}

	entry, err := env.cache.GetEntry(ctx, ViewCompliance, now)
	if err != nil || entry == nil {
		t.Fatalf("compliance view not persisted: %+v err=%v", entry, err)
	}
	if stale, _ := env.cache.GetEntry(ctx, "site:old", now.Add(-90*time.Minute)); stale != nil {
		t.Fatalf("expired entry must be swept, got %+v", stale)
	}

	run, err := env.cons.LatestRun(ctx)
	if err != nil || run == nil {
		t.Fatalf("run record: %+v err=%v", run, err)
	}
	if run.Status != store.RunIdle || run.FinishedAt == nil {
		t.Fatalf("run must finish idle: %+v", run)
	}
	if !run.StartedAt.Equal(now) {
		t.Fatalf("run started-at wrong: %s", run.StartedAt)
	}
}

func TestRunOnceFailsStatusesAndSweepWhenLockHeld(t *testing.T) {
	env, ctx := setupConsolidate(t)
	now := time.Date(2026, 4, 5, 12, 0, 0, 0, time.UTC)
	env.cons.SetClock(func() time.Time { return now })

	lateID := seedIncident(t, ctx, env, "L-1", "west-wing", status.StatusOpen, now.Add(-3*time.Hour), []store.Task{
		{PolicyID: "p", PolicyVersion: 1, PhaseIndex: 0, VisitIndex: 0, DueAt: now.Add(-time.Hour), AssignedRole: "nurse"},
	})
	if err := env.cache.UpsertEntry(ctx, &store.CacheEntry{
		Key: "site:old", Payload: "{}", ComputedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	release, err := env.lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}

	err = env.cons.RunOnce(ctx)
	if err == nil {
		t.Fatal("cycle must fail while the write lock is held")
	}
	for _, unit := range []string{"statuses", "sweep"} {
		if !strings.Contains(err.Error(), unit) {
			t.Fatalf("cycle error must name the %s unit, got %v", unit, err)
		}
	}
	run, runErr := env.cons.LatestRun(ctx)
	if runErr != nil || run == nil || run.Status != store.RunError {
		t.Fatalf("run must record the failure: %+v err=%v", run, runErr)
	}
	late, _ := env.incidents.GetIncident(ctx, lateID)
	if late.Status != status.StatusOpen {
		t.Fatalf("status write must not happen unlocked, got %s", late.Status)
	}
	if stale, _ := env.cache.GetEntry(ctx, "site:old", now.Add(-90*time.Minute)); stale == nil {
		t.Fatal("sweep must not run unlocked")
	}

	release()
	if err := env.cons.RunOnce(ctx); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
	late, _ = env.incidents.GetIncident(ctx, lateID)
	if late.Status != status.StatusOverdue {
		t.Fatalf("released cycle must flip open to overdue, got %s", late.Status)
	}
	if stale, _ := env.cache.GetEntry(ctx, "site:old", now.Add(-90*time.Minute)); stale != nil {
		t.Fatalf("released cycle must sweep the stale entry, got %+v", stale)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env, _ := setupConsolidate(t)
	ctx := context.Background()
	env.cons.StartWithContext(ctx)
	// Starting twice is a no-op.
	env.cons.StartWithContext(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := env.cons.StopWithContext(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping an already-stopped worker is harmless.
	if err := env.cons.StopWithContext(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
