// Package engine wires the ingestion pipeline: classify, select, generate,
// reconcile, aggregate. It is the single entry point the API facade and the
// bootstrap talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"carewatch/config"
	"carewatch/core/classify"
	"carewatch/core/evidence"
	"carewatch/core/policy"
	"carewatch/core/reconcile"
	"carewatch/core/schedule"
	"carewatch/core/status"
	"carewatch/core/store"
	"carewatch/core/storelock"
	"carewatch/core/utils"
)

var (
	ErrIncidentNotFound = errors.New("engine: incident not found")
	ErrViewNotFound     = errors.New("engine: no such cached view")
	ErrInvalidReport    = errors.New("engine: invalid incident report")
)

// EvidenceSource is the external documentation stream, ordered by creation
// time. The engine only ever reads it.
type EvidenceSource interface {
	NotesForSubject(ctx context.Context, subjectRef string, from, to time.Time) ([]evidence.Note, error)
}

// ViewComputer recomputes one aggregate view on demand; the consolidator
// provides the implementation.
type ViewComputer interface {
	Compute(ctx context.Context, key string) (*store.CacheEntry, error)
}

// IncidentReport is the payload delivered by the incident source.
type IncidentReport struct {
	ExternalRef  string    `json:"external_ref"`
	SubjectRef   string    `json:"subject_ref"`
	IncidentType string    `json:"incident_type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Site         string    `json:"site"`
	Description  string    `json:"description"`
}

type Service struct {
	cfg       *config.AppConfig
	incidents store.IncidentsStore
	tasks     store.TasksStore
	cache     store.CacheStore
	repo      policy.Repository
	selector  *policy.Selector
	source    EvidenceSource
	clsCache  *classify.Cache
	lock      *storelock.Lock
	views     ViewComputer
	logger    *utils.Logger
	now       func() time.Time
	flight    singleflight.Group
}

func NewService(
	cfg *config.AppConfig,
	incidents store.IncidentsStore,
	tasks store.TasksStore,
	cache store.CacheStore,
	repo policy.Repository,
	selector *policy.Selector,
	source EvidenceSource,
	lock *storelock.Lock,
	logger *utils.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		incidents: incidents,
		tasks:     tasks,
		cache:     cache,
		repo:      repo,
		selector:  selector,
		source:    source,
		clsCache:  classify.NewCache(cfg.Classifier.CacheSize, cfg.Classifier.CacheTTL),
		lock:      lock,
		logger:    logger,
		now:       time.Now,
	}
}

// SetViewComputer is called by the bootstrap once the consolidator exists;
// the two depend on the same stores, not on each other.
func (s *Service) SetViewComputer(v ViewComputer) {
	s.views = v
}

// SetClock overrides the evaluation clock; used by tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Ingest is idempotent on ExternalRef: redelivery of a fully processed
// report returns the stored incident untouched. A redelivery that finds the
// incident row without a task batch re-runs the pipeline, so a delivery that
// failed mid-generation is completed by the source's retry. A new report runs
// the full pipeline; a configuration gap (no policy) leaves the incident open
// with no tasks.
func (s *Service) Ingest(ctx context.Context, report IncidentReport) (*store.Incident, error) {
	if err := validateReport(report); err != nil {
		return nil, err
	}
	existing, err := s.incidents.GetIncidentByExternalRef(ctx, report.ExternalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		generated, err := s.tasks.ListTasksForIncident(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if len(generated) > 0 {
			return existing, nil
		}
		if err := s.runPipeline(ctx, existing); err != nil {
			return nil, err
		}
		return s.incidents.GetIncident(ctx, existing.ID)
	}

	incident := &store.Incident{
		ExternalRef:  report.ExternalRef,
		SubjectRef:   report.SubjectRef,
		IncidentType: strings.ToLower(strings.TrimSpace(report.IncidentType)),
		OccurredAt:   report.OccurredAt.UTC(),
		Site:         report.Site,
		Description:  report.Description,
		Status:       status.StatusOpen,
	}
	if _, err := s.incidents.CreateIncident(ctx, incident); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent delivery of the same ref.
			return s.incidents.GetIncidentByExternalRef(ctx, report.ExternalRef)
		}
		return nil, err
	}
	if err := s.runPipeline(ctx, incident); err != nil {
		return nil, err
	}
	return s.incidents.GetIncident(ctx, incident.ID)
}

// GenerateTasks re-runs selection and generation for an existing incident,
// atomically replacing any prior batch, then reconciles and re-aggregates.
func (s *Service) GenerateTasks(ctx context.Context, incidentID int64) ([]store.Task, error) {
	incident, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return nil, ErrIncidentNotFound
	}
	if err := s.runPipeline(ctx, incident); err != nil {
		return nil, err
	}
	return s.tasks.ListTasksForIncident(ctx, incidentID)
}

// runPipeline performs classify -> select -> generate -> reconcile -> status
// for one incident. Reads happen first; writes run in one locked phase.
func (s *Service) runPipeline(ctx context.Context, incident *store.Incident) error {
	subType, err := s.classifyIncident(ctx, incident)
	if err != nil {
		return err
	}
	pol, err := s.selector.Select(ctx, incident.IncidentType, subType)
	if err != nil {
		if errors.Is(err, policy.ErrNoPolicy) {
			if s.logger != nil {
				s.logger.Printf("engine: no policy for incident %d type %s, skipping task generation", incident.ID, incident.IncidentType)
			}
			return nil
		}
		return err
	}
	batch, err := schedule.Generate(incident, pol)
	if err != nil {
		return err
	}
	notes, err := s.monitoringSpanNotes(ctx, incident, pol)
	if err != nil {
		return err
	}
	completions, err := reconcile.Reconcile(batch, notes, incident.OccurredAt, pol.Schedule)
	if err != nil {
		return err
	}

	release, err := s.lock.AcquireWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("engine: task generation for incident %d: %w", incident.ID, err)
	}
	defer release()

	if incident.SubType == nil && subType != classify.SubTypeUnknown {
		if err := s.incidents.SetIncidentSubType(ctx, incident.ID, subType); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		incident.SubType = &subType
	}
	if err := s.tasks.ReplaceBatch(ctx, incident.ID, batch); err != nil {
		return err
	}
	// Completions computed against the pre-insert batch map by phase/visit;
	// resolve them against the freshly inserted rows.
	if len(completions) > 0 {
		inserted, err := s.tasks.ListTasksForIncident(ctx, incident.ID)
		if err != nil {
			return err
		}
		fresh, err := reconcile.Reconcile(inserted, notes, incident.OccurredAt, pol.Schedule)
		if err != nil {
			return err
		}
		if err := s.applyCompletions(ctx, fresh); err != nil {
			return err
		}
	}
	return s.RefreshStatus(ctx, incident.ID)
}

// classifyIncident returns the persisted sub-type when present, otherwise a
// cached or fresh classification over the narrow window around the incident.
func (s *Service) classifyIncident(ctx context.Context, incident *store.Incident) (string, error) {
	if incident.SubType != nil && *incident.SubType != "" {
		return *incident.SubType, nil
	}
	from := incident.OccurredAt.Add(-s.classifyBefore())
	to := incident.OccurredAt.Add(s.classifyAfter())
	notes, err := s.fetchNotes(ctx, incident.SubjectRef, from, to)
	if err != nil {
		return "", err
	}
	fp := classify.Fingerprint(notes)
	if cached, ok := s.clsCache.Get(incident.ID, fp); ok {
		return cached, nil
	}
	subType := classify.Classify(incident.Description, evidence.Texts(notes))
	s.clsCache.Add(incident.ID, fp, subType)
	return subType, nil
}

// Reconcile re-scans the full monitoring span of documentation for an
// incident and marks satisfied tasks completed.
func (s *Service) Reconcile(ctx context.Context, incidentID int64) ([]store.Task, error) {
	incident, tasks, pol, err := s.incidentWithPolicy(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if pol == nil || len(tasks) == 0 {
		return tasks, nil
	}
	notes, err := s.monitoringSpanNotes(ctx, incident, pol)
	if err != nil {
		return nil, err
	}
	completions, err := reconcile.Reconcile(tasks, notes, incident.OccurredAt, pol.Schedule)
	if err != nil {
		return nil, err
	}
	if len(completions) > 0 {
		release, err := s.lock.AcquireWithRetry(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: reconcile incident %d: %w", incidentID, err)
		}
		if err := s.applyCompletions(ctx, completions); err != nil {
			release()
			return nil, err
		}
		if err := s.RefreshStatus(ctx, incidentID); err != nil {
			release()
			return nil, err
		}
		release()
	} else if err := s.RefreshStatus(ctx, incidentID); err != nil {
		return nil, err
	}
	return s.tasks.ListTasksForIncident(ctx, incidentID)
}

// GetStatus recomputes and persists the incident's rolled-up status.
func (s *Service) GetStatus(ctx context.Context, incidentID int64) (string, error) {
	incident, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return "", err
	}
	if incident == nil {
		return "", ErrIncidentNotFound
	}
	if err := s.RefreshStatus(ctx, incidentID); err != nil {
		return "", err
	}
	fresh, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return "", err
	}
	return fresh.Status, nil
}

// RefreshStatus is the unlocked single-statement variant used on read paths.
func (s *Service) RefreshStatus(ctx context.Context, incidentID int64) error {
	tasks, err := s.tasks.ListTasksForIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	return s.incidents.SetIncidentStatus(ctx, incidentID, status.Evaluate(tasks, s.now().UTC()))
}

// GetPolicy exposes selector semantics, conservative fallback included.
func (s *Service) GetPolicy(ctx context.Context, incidentType, subType string) (*policy.Policy, error) {
	return s.selector.Select(ctx, incidentType, subType)
}

// ListPolicies returns the newest active version per policy id for a type.
func (s *Service) ListPolicies(ctx context.Context, incidentType string) ([]policy.Policy, error) {
	return s.repo.ListActiveForType(ctx, incidentType)
}

// DeactivatePolicy retires a policy version so future selection skips it.
func (s *Service) DeactivatePolicy(ctx context.Context, id string, version int) error {
	return s.repo.Deactivate(ctx, id, version)
}

// ListTasks returns the generated schedule for an incident.
func (s *Service) ListTasks(ctx context.Context, incidentID int64) ([]store.Task, error) {
	incident, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return nil, ErrIncidentNotFound
	}
	return s.tasks.ListTasksForIncident(ctx, incidentID)
}

// GetIncidentByExternalRef returns the incident holding the external ref, or
// nil when none exists.
func (s *Service) GetIncidentByExternalRef(ctx context.Context, externalRef string) (*store.Incident, error) {
	if strings.TrimSpace(externalRef) == "" {
		return nil, nil
	}
	return s.incidents.GetIncidentByExternalRef(ctx, externalRef)
}

// GetIncident returns the stored incident.
func (s *Service) GetIncident(ctx context.Context, incidentID int64) (*store.Incident, error) {
	incident, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return nil, ErrIncidentNotFound
	}
	return incident, nil
}

// GetCachedView serves a precomputed aggregate. An expired or missing entry
// is recomputed first (collapsed across concurrent readers) and persisted
// under the lock; readers never see a stale payload.
func (s *Service) GetCachedView(ctx context.Context, key string) (*store.CacheEntry, error) {
	now := s.now().UTC()
	entry, err := s.cache.GetEntry(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}
	if s.views == nil {
		return nil, ErrViewNotFound
	}
	result, err, _ := s.flight.Do(key, func() (any, error) {
		fresh, err := s.views.Compute(ctx, key)
		if err != nil {
			return nil, err
		}
		release, err := s.lock.AcquireWithRetry(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: cache view %s: %w", key, err)
		}
		defer release()
		if err := s.cache.UpsertEntry(ctx, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.CacheEntry), nil
}

func (s *Service) applyCompletions(ctx context.Context, completions []reconcile.Completion) error {
	for _, c := range completions {
		err := s.tasks.CompleteTask(ctx, c.TaskID, c.CompletedAt, c.EvidenceRef)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

func (s *Service) incidentWithPolicy(ctx context.Context, incidentID int64) (*store.Incident, []store.Task, *policy.Policy, error) {
	incident, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if incident == nil {
		return nil, nil, nil, ErrIncidentNotFound
	}
	tasks, err := s.tasks.ListTasksForIncident(ctx, incidentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(tasks) == 0 {
		return incident, tasks, nil, nil
	}
	pol, err := s.repo.Get(ctx, tasks[0].PolicyID, tasks[0].PolicyVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	return incident, tasks, pol, nil
}

func (s *Service) monitoringSpanNotes(ctx context.Context, incident *store.Incident, pol *policy.Policy) ([]evidence.Note, error) {
	span, err := pol.TotalSpanMinutes()
	if err != nil {
		return nil, err
	}
	return s.fetchNotes(ctx, incident.SubjectRef, incident.OccurredAt, incident.OccurredAt.Add(time.Duration(span)*time.Minute))
}

func (s *Service) fetchNotes(ctx context.Context, subjectRef string, from, to time.Time) ([]evidence.Note, error) {
	if s.source == nil {
		return []evidence.Note{}, nil
	}
	return s.source.NotesForSubject(ctx, subjectRef, from, to)
}

func (s *Service) classifyBefore() time.Duration {
	if s.cfg != nil && s.cfg.Evidence.ClassifyWindowBefore > 0 {
		return s.cfg.Evidence.ClassifyWindowBefore
	}
	return 30 * time.Minute
}

func (s *Service) classifyAfter() time.Duration {
	if s.cfg != nil && s.cfg.Evidence.ClassifyWindowAfter > 0 {
		return s.cfg.Evidence.ClassifyWindowAfter
	}
	return 4 * time.Hour
}

func validateReport(report IncidentReport) error {
	switch {
	case strings.TrimSpace(report.ExternalRef) == "":
		return fmt.Errorf("%w: external_ref is required", ErrInvalidReport)
	case strings.TrimSpace(report.SubjectRef) == "":
		return fmt.Errorf("%w: subject_ref is required", ErrInvalidReport)
	case strings.TrimSpace(report.IncidentType) == "":
		return fmt.Errorf("%w: incident_type is required", ErrInvalidReport)
	case report.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidReport)
	}
	return nil
}
