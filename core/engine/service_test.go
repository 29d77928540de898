package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"carewatch/config"
	"carewatch/core/evidence"
	"carewatch/core/policy"
	"carewatch/core/status"
	"carewatch/core/store"
	"carewatch/core/storelock"
	"carewatch/core/utils"
)

type fakeSource struct {
	notes []evidence.Note
	calls int
}

func (f *fakeSource) NotesForSubject(_ context.Context, subjectRef string, from, to time.Time) ([]evidence.Note, error) {
	f.calls++
	out := []evidence.Note{}
	for _, n := range f.notes {
		if n.SubjectRef != subjectRef {
			continue
		}
		if n.CreatedAt.Before(from) || !n.CreatedAt.Before(to) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type serviceEnv struct {
	svc       *Service
	incidents store.IncidentsStore
	tasks     store.TasksStore
	cache     store.CacheStore
	policies  store.PoliciesStore
	source    *fakeSource
	lock      *storelock.Lock
}

func setupService(t *testing.T) (*serviceEnv, context.Context) {
	t.Helper()
	cfg := &config.AppConfig{
		DBPath: filepath.Join(t.TempDir(), "engine.db"),
		Classifier: config.ClassifierConfig{CacheSize: 64, CacheTTL: time.Minute},
		// Short acquisition timeout keeps the contention tests quick;
		// uncontended acquisitions succeed immediately regardless.
		Lock: config.LockConfig{AcquireTimeout: 25 * time.Millisecond},
	}
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
	policies := store.NewPoliciesStore(db)
	repo := policy.NewRepository(policies)
	source := &fakeSource{}
	lock := storelock.New(cfg.Lock.AcquireTimeout)
	svc := NewService(cfg, incidents, tasks, cache, repo, policy.NewSelector(repo, logger), source, lock, logger)
	return &serviceEnv{svc: svc, incidents: incidents, tasks: tasks, cache: cache, policies: policies, source: source, lock: lock}, ctx
}

func seedPolicy(t *testing.T, ctx context.Context, policies store.PoliciesStore, pol *policy.Policy) {
	t.Helper()
	rec, err := policy.ToRecord(pol)
	if err != nil {
		t.Fatalf("policy record: %v", err)
	}
	if err := policies.UpsertPolicy(ctx, rec); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
}

func unwitnessedPolicy() *policy.Policy {
	sub := "unwitnessed"
	return &policy.Policy{
		ID: "fall-unwitnessed", Version: 1, Name: "Post-fall monitoring (unwitnessed)",
		IncidentType: "fall", SubType: &sub,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true, AssignedRole: "nurse", DocumentationRequired: true,
		Trigger: policy.CompositeAnd{All: []policy.TriggerCondition{
			policy.IncidentTypeMatch{Value: "fall"},
			policy.SubTypeMatch{Value: "unwitnessed"},
		}},
		Schedule: []policy.Phase{
			{Index: 0, Interval: 30, IntervalUnit: policy.UnitMinute, Duration: 4, DurationUnit: policy.UnitHour},
			{Index: 1, Interval: 2, IntervalUnit: policy.UnitHour, Duration: 20, DurationUnit: policy.UnitHour},
			{Index: 2, Interval: 4, IntervalUnit: policy.UnitHour, Duration: 3, DurationUnit: policy.UnitDay},
		},
	}
}

func witnessedPolicy() *policy.Policy {
	sub := "witnessed"
	return &policy.Policy{
		ID: "fall-witnessed", Version: 1, Name: "Post-fall monitoring (witnessed)",
		IncidentType: "fall", SubType: &sub,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true, AssignedRole: "nurse", DocumentationRequired: true,
		Trigger: policy.CompositeAnd{All: []policy.TriggerCondition{
			policy.IncidentTypeMatch{Value: "fall"},
			policy.SubTypeMatch{Value: "witnessed"},
		}},
		Schedule: []policy.Phase{
			{Index: 0, Interval: 1, IntervalUnit: policy.UnitHour, Duration: 12, DurationUnit: policy.UnitHour},
		},
	}
}

func fallReport(ref, description string, occurredAt time.Time) IncidentReport {
	return IncidentReport{
		ExternalRef:  ref,
		SubjectRef:   "resident-7",
		IncidentType: "fall",
		OccurredAt:   occurredAt,
		Site:         "west-wing",
		Description:  description,
	}
}

func TestIngestRunsFullPipeline(t *testing.T) {
	env, ctx := setupService(t)
	seedPolicy(t, ctx, env.policies, unwitnessedPolicy())
	seedPolicy(t, ctx, env.policies, witnessedPolicy())

	occurred := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	// First visit is due at the occurrence itself; a clock at that instant
	// keeps every task pending-but-not-late.
	env.svc.SetClock(func() time.Time { return occurred })

	incident, err := env.svc.Ingest(ctx, fallReport("EXT-100", "resident found on floor beside bed", occurred))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if incident.SubType == nil || *incident.SubType != "unwitnessed" {
		t.Fatalf("expected unwitnessed classification, got %+v", incident.SubType)
	}
	if incident.Status != status.StatusOpen {
		t.Fatalf("fresh incident must be open, got %s", incident.Status)
	}

	tasks, err := env.svc.ListTasks(ctx, incident.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	// 4h/30m + 20h/2h + 3d/4h.
	if len(tasks) != 36 {
		t.Fatalf("expected 36 tasks, got %d", len(tasks))
	}
	if !tasks[0].DueAt.Equal(occurred) {
		t.Fatalf("first visit must be due at occurrence, got %s", tasks[0].DueAt)
	}
	for _, task := range tasks {
		if task.PolicyID != "fall-unwitnessed" || task.PolicyVersion != 1 {
			t.Fatalf("task provenance wrong: %+v", task)
		}
		if task.AssignedRole != "nurse" || !task.DocumentationRequired {
			t.Fatalf("task role/doc wrong: %+v", task)
		}
	}
}

func TestIngestIsIdempotentOnExternalRef(t *testing.T) {
	env, ctx := setupService(t)
	seedPolicy(t, ctx, env.policies, unwitnessedPolicy())

	occurred := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first, err := env.svc.Ingest(ctx, fallReport("EXT-200", "found on floor", occurred))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	tasksBefore, _ := env.svc.ListTasks(ctx, first.ID)

	// Same ref with a different payload must be a no-op returning the original.
	second, err := env.svc.Ingest(ctx, fallReport("EXT-200", "staff observed the fall", occurred.Add(time.Hour)))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.ID != first.ID || !second.OccurredAt.Equal(first.OccurredAt) {
		t.Fatalf("redelivery must return the stored incident: %+v vs %+v", second, first)
	}
	tasksAfter, _ := env.svc.ListTasks(ctx, first.ID)
	if len(tasksAfter) != len(tasksBefore) {
		t.Fatalf("redelivery regenerated tasks: %d -> %d", len(tasksBefore), len(tasksAfter))
	}
}

func TestIngestRetriesGenerationOnRedelivery(t *testing.T) {
	env, ctx := setupService(t)
	seedPolicy(t, ctx, env.policies, unwitnessedPolicy())

	occurred := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	env.svc.SetClock(func() time.Time { return occurred })

	// A held write lock makes the first delivery fail after the incident row
	// is created but before any task is generated.
	release, err := env.lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	if _, err := env.svc.Ingest(ctx, fallReport("EXT-250", "found on floor", occurred)); !errors.Is(err, storelock.ErrLockTimeout) {
		release()
		t.Fatalf("expected lock timeout, got %v", err)
	}
	stranded, err := env.svc.GetIncidentByExternalRef(ctx, "EXT-250")
	if err != nil || stranded == nil {
		t.Fatalf("incident row must survive the failed delivery: %+v err=%v", stranded, err)
	}
	if tasks, _ := env.tasks.ListTasksForIncident(ctx, stranded.ID); len(tasks) != 0 {
		release()
		t.Fatalf("failed delivery must leave no tasks, got %d", len(tasks))
	}
	release()

	// The source's redelivery of the same ref must complete generation.
	redelivered, err := env.svc.Ingest(ctx, fallReport("EXT-250", "found on floor", occurred))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if redelivered.ID != stranded.ID {
		t.Fatalf("redelivery must reuse the stored incident: %d vs %d", redelivered.ID, stranded.ID)
	}
	tasks, err := env.svc.ListTasks(ctx, redelivered.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 36 {
		t.Fatalf("redelivery must generate the full batch, got %d tasks", len(tasks))
	}
}

func TestIngestRejectsInvalidReport(t *testing.T) {
	env, ctx := setupService(t)
	bad := fallReport("", "fell", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if _, err := env.svc.Ingest(ctx, bad); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport, got %v", err)
	}
	noTime := fallReport("EXT-300", "fell", time.Time{})
	if _, err := env.svc.Ingest(ctx, noTime); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport for zero occurred_at, got %v", err)
	}
}

func TestIngestWithoutPolicyLeavesIncidentOpen(t *testing.T) {
	env, ctx := setupService(t)
	occurred := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	incident, err := env.svc.Ingest(ctx, fallReport("EXT-400", "found on floor", occurred))
	if err != nil {
		t.Fatalf("ingest without policy: %v", err)
	}
	if incident.Status != status.StatusOpen {
		t.Fatalf("incident must stay open, got %s", incident.Status)
	}
	tasks, _ := env.svc.ListTasks(ctx, incident.ID)
	if len(tasks) != 0 {
		t.Fatalf("no tasks expected without a policy, got %d", len(tasks))
	}
}

func TestClassificationUsesEvidenceWindow(t *testing.T) {
	env, ctx := setupService(t)
	seedPolicy(t, ctx, env.policies, unwitnessedPolicy())
	seedPolicy(t, ctx, env.policies, witnessedPolicy())

	occurred := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	env.source.notes = []evidence.Note{
		{ID: "n1", SubjectRef: "resident-7", CreatedAt: occurred.Add(5 * time.Minute),
			FreeText: "staff witnessed resident fall while transferring"},
	}
	incident, err := env.svc.Ingest(ctx, fallReport("EXT-500", "resident fell in the day room", occurred))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if incident.SubType == nil || *incident.SubType != "witnessed" {
		t.Fatalf("note evidence must drive classification, got %+v", incident.SubType)
	}
	tasks, _ := env.svc.ListTasks(ctx, incident.ID)
	if len(tasks) != 12 {
		t.Fatalf("witnessed schedule is 12 hourly visits, got %d", len(tasks))
	}
}

func TestReconcileCompletesAndRefreshesStatus(t *testing.T) {
	env, ctx := setupService(t)
	seedPolicy(t, ctx, env.policies, witnessedPolicy())

	occurred := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	env.svc.SetClock(func() time.Time { return occurred.Add(30 * time.Minute) })
	incident, err := env.svc.Ingest(ctx, fallReport("EXT-600", "staff witnessed the fall", occurred))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// One qualifying note inside the first hourly window.
	env.source.notes = []evidence.Note{
		{ID: "note-a", SubjectRef: "resident-7", CreatedAt: occurred.Add(20 * time.Minute),
			FreeText: "vitals stable, resident resting"},
	}
	tasks, err := env.svc.Reconcile(ctx, incident.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var completed int
	for _, task := range tasks {
		if task.Status == store.TaskCompleted {
			completed++
			if task.CompletionEvidenceRef == nil || *task.CompletionEvidenceRef != "note-a" {
				t.Fatalf("completion evidence wrong: %+v", task)
			}
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one completion, got %d", completed)
	}

	// Same evidence again: no second task may claim it.
	again, err := env.svc.Reconcile(ctx, incident.ID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	completed = 0
	for _, task := range again {
		if task.Status == store.TaskCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("reconcile must be idempotent, got %d completions", completed)
	}

	got, err := env.svc.GetStatus(ctx, incident.ID)
	if err != nil || got != status.StatusOpen {
		t.Fatalf("status: %q err=%v", got, err)
	}
}

func TestGetStatusOverdueAndClosed(t *testing.T) {
	env, ctx := setupService(t)
	// Three one-visit phases so every phase window maps to exactly one task
	// and full documentation can close the incident.
	checks := &policy.Policy{
		ID: "wander-check", Version: 1, Name: "Wandering checks",
		IncidentType:  "wandering",
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true, AssignedRole: "carer",
		Trigger: policy.IncidentTypeMatch{Value: "wandering"},
		Schedule: []policy.Phase{
			{Index: 0, Interval: 1, IntervalUnit: policy.UnitHour, Duration: 1, DurationUnit: policy.UnitHour},
			{Index: 1, Interval: 1, IntervalUnit: policy.UnitHour, Duration: 1, DurationUnit: policy.UnitHour},
			{Index: 2, Interval: 1, IntervalUnit: policy.UnitHour, Duration: 1, DurationUnit: policy.UnitHour},
		},
	}
	seedPolicy(t, ctx, env.policies, checks)

	occurred := time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)
	report := fallReport("EXT-700", "resident left the unit unnoticed", occurred)
	report.IncidentType = "wandering"
	incident, err := env.svc.Ingest(ctx, report)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	tasks, _ := env.svc.ListTasks(ctx, incident.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(tasks))
	}

	env.svc.SetClock(func() time.Time { return occurred.Add(4 * time.Hour) })
	got, err := env.svc.GetStatus(ctx, incident.ID)
	if err != nil || got != status.StatusOverdue {
		t.Fatalf("past-due pending must read overdue: %q err=%v", got, err)
	}

	// One note inside each phase window; the incident closes.
	env.source.notes = []evidence.Note{
		{ID: "note-1", SubjectRef: "resident-7", CreatedAt: occurred.Add(10 * time.Minute), FreeText: "check documented"},
		{ID: "note-2", SubjectRef: "resident-7", CreatedAt: occurred.Add(70 * time.Minute), FreeText: "check documented"},
		{ID: "note-3", SubjectRef: "resident-7", CreatedAt: occurred.Add(130 * time.Minute), FreeText: "check documented"},
	}
	if _, err := env.svc.Reconcile(ctx, incident.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err = env.svc.GetStatus(ctx, incident.ID)
	if err != nil || got != status.StatusClosed {
		t.Fatalf("fully documented incident must close: %q err=%v", got, err)
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	env, ctx := setupService(t)
	if _, err := env.svc.GetIncident(ctx, 9999); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound, got %v", err)
	}
	if _, err := env.svc.ListTasks(ctx, 9999); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound from ListTasks, got %v", err)
	}
}

type fakeViews struct {
	entry *store.CacheEntry
	calls int
}

func (f *fakeViews) Compute(_ context.Context, key string) (*store.CacheEntry, error) {
	f.calls++
	if f.entry == nil || f.entry.Key != key {
		return nil, ErrViewNotFound
	}
	return f.entry, nil
}

func TestGetCachedViewRecomputesOnMiss(t *testing.T) {
	env, ctx := setupService(t)
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	env.svc.SetClock(func() time.Time { return now })

	views := &fakeViews{entry: &store.CacheEntry{
		Key: "compliance", Payload: `{"open":3}`, ComputedAt: now, ExpiresAt: now.Add(30 * time.Minute),
	}}
	env.svc.SetViewComputer(views)

	entry, err := env.svc.GetCachedView(ctx, "compliance")
	if err != nil {
		t.Fatalf("miss must recompute: %v", err)
	}
	if entry.Payload != `{"open":3}` || views.calls != 1 {
		t.Fatalf("recompute wrong: %+v calls=%d", entry, views.calls)
	}

	// The recomputed entry was persisted; the next read is a cache hit.
	if _, err := env.svc.GetCachedView(ctx, "compliance"); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if views.calls != 1 {
		t.Fatalf("cache hit must not recompute, calls=%d", views.calls)
	}

	if _, err := env.svc.GetCachedView(ctx, "no-such-view"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("unknown view must surface not-found, got %v", err)
	}
}
