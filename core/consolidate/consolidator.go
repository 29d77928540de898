// Package consolidate runs the background consolidation cycle: refresh
// incident statuses, recompute aggregate views, and sweep expired cache
// entries. Cache writes go through the shared write lock so they never race
// task generation.
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"carewatch/config"
	"carewatch/core/status"
	"carewatch/core/store"
	"carewatch/core/storelock"
	"carewatch/core/utils"
)

type Consolidator struct {
	cfg       config.ConsolidatorConfig
	views     *Views
	incidents store.IncidentsStore
	tasks     store.TasksStore
	cache     store.CacheStore
	runs      store.ConsolidatorRunsStore
	lock      *storelock.Lock
	logger    *utils.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	cron    *cron.Cron
	running bool
}

func NewConsolidator(
	cfg config.ConsolidatorConfig,
	views *Views,
	incidents store.IncidentsStore,
	tasks store.TasksStore,
	cache store.CacheStore,
	runs store.ConsolidatorRunsStore,
	lock *storelock.Lock,
	logger *utils.Logger,
) *Consolidator {
	return &Consolidator{
		cfg:       cfg,
		views:     views,
		incidents: incidents,
		tasks:     tasks,
		cache:     cache,
		runs:      runs,
		lock:      lock,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the consolidation clock; used by tests.
func (c *Consolidator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
		if c.views != nil {
			c.views.SetClock(now)
		}
	}
}

func (c *Consolidator) StartWithContext(ctx context.Context) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	sched := cron.New()
	spec := fmt.Sprintf("@every %s", c.cfg.EffectiveInterval())
	if _, err := sched.AddFunc(spec, func() {
		if runCtx.Err() != nil {
			return
		}
		if err := c.RunOnce(runCtx); err != nil && c.logger != nil {
			c.logger.Errorf("consolidator cycle: %v", err)
		}
	}); err != nil {
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		if c.logger != nil {
			c.logger.Errorf("consolidator schedule %q: %v", spec, err)
		}
		return
	}
	c.cron = sched
	c.mu.Unlock()
	sched.Start()
}

func (c *Consolidator) StopWithContext(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	sched := c.cron
	c.cancel = nil
	c.cron = nil
	wasRunning := c.running
	c.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	if sched != nil {
		// Stop's context closes once every in-flight job returns, including
		// jobs that fired before the scheduler observed the stop.
		stopCtx := sched.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// RunOnce executes one full consolidation cycle. View computation happens
// before the lock is taken; only the persistence phase holds it. Per-view
// failures are collected and reported in the run record without aborting
// the rest of the cycle.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	startedAt := c.now().UTC()
	runID, err := c.runs.StartRun(ctx, startedAt)
	if err != nil {
		return err
	}

	var failures []string
	if err := c.refreshStatuses(ctx); err != nil {
		failures = append(failures, fmt.Sprintf("statuses: %v", err))
	}

	entries, viewFailures := c.computeViews(ctx)
	failures = append(failures, viewFailures...)

	if len(entries) > 0 {
		if err := c.persistViews(ctx, entries); err != nil {
			failures = append(failures, fmt.Sprintf("persist: %v", err))
		}
	}

	if removed, err := c.sweepExpired(ctx); err != nil {
		failures = append(failures, fmt.Sprintf("sweep: %v", err))
	} else if removed > 0 && c.logger != nil {
		c.logger.Printf("consolidator swept %d expired cache entries", removed)
	}

	runStatus := store.RunIdle
	detail := ""
	if len(failures) > 0 {
		runStatus = store.RunError
		detail = strings.Join(failures, "; ")
	}
	if err := c.runs.FinishRun(ctx, runID, runStatus, detail, c.now().UTC()); err != nil {
		return err
	}
	if runStatus == store.RunError {
		return fmt.Errorf("consolidate: %s", detail)
	}
	return nil
}

// LatestRun exposes the most recent cycle record.
func (c *Consolidator) LatestRun(ctx context.Context) (*store.ConsolidatorRun, error) {
	return c.runs.LatestRun(ctx)
}

// Compute recomputes a single view on demand; the engine calls this on a
// cache miss.
func (c *Consolidator) Compute(ctx context.Context, key string) (*store.CacheEntry, error) {
	return c.views.Compute(ctx, key)
}

// refreshStatuses re-evaluates every incident that is not yet closed, so
// overdue transitions happen even when nobody reads the incident. The
// evaluation reads run unlocked; the batch of status writes is one locked
// unit of work.
func (c *Consolidator) refreshStatuses(ctx context.Context) error {
	incidents, err := c.incidents.ListIncidentsByStatus(ctx, []string{status.StatusOpen, status.StatusOverdue})
	if err != nil {
		return err
	}
	now := c.now().UTC()
	type statusUpdate struct {
		id   int64
		next string
	}
	var updates []statusUpdate
	for _, inc := range incidents {
		tasks, err := c.tasks.ListTasksForIncident(ctx, inc.ID)
		if err != nil {
			return err
		}
		next := status.Evaluate(tasks, now)
		if next == inc.Status {
			continue
		}
		updates = append(updates, statusUpdate{id: inc.ID, next: next})
	}
	if len(updates) == 0 {
		return nil
	}
	release, err := c.lock.AcquireWithRetry(ctx)
	if err != nil {
		return err
	}
	defer release()
	for _, u := range updates {
		if err := c.incidents.SetIncidentStatus(ctx, u.id, u.next); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpired deletes expired cache entries under the write lock.
func (c *Consolidator) sweepExpired(ctx context.Context) (int64, error) {
	release, err := c.lock.AcquireWithRetry(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.cache.DeleteExpired(ctx, c.now().UTC())
}

func (c *Consolidator) computeViews(ctx context.Context) ([]*store.CacheEntry, []string) {
	keys, err := c.views.Keys(ctx)
	if err != nil {
		return nil, []string{fmt.Sprintf("keys: %v", err)}
	}
	var (
		entries  []*store.CacheEntry
		failures []string
	)
	for _, key := range keys {
		entry, err := c.views.Compute(ctx, key)
		if err != nil {
			failures = append(failures, fmt.Sprintf("view %s: %v", key, err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, failures
}

func (c *Consolidator) persistViews(ctx context.Context, entries []*store.CacheEntry) error {
	release, err := c.lock.AcquireWithRetry(ctx)
	if err != nil {
		return err
	}
	defer release()
	for _, entry := range entries {
		if err := c.cache.UpsertEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
