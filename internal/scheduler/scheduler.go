// Package scheduler fires schedule triggers for active definitions whose cron
// expression is due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/internal/trigger"
	"github.com/rendis/automata/internal/validation"
)

// DefaultTickInterval is how often the scheduler polls for due schedules.
const DefaultTickInterval = 60 * time.Second

// Store is the schedule persistence the scheduler needs.
type Store interface {
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	UpdateSchedule(ctx context.Context, definitionID string, update store.ScheduleUpdate) error
}

// Firer submits a schedule trigger for a definition. Satisfied by the service.
// idempotencyKey is stable per planned firing so that two schedulers sharing
// a database admit it once.
type Firer interface {
	FireSchedule(ctx context.Context, definitionID, idempotencyKey string) (*trigger.Admission, error)
}

// ParseCron validates a five-field cron expression (or a @descriptor).
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := validation.CronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun computes the first firing of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Scheduler polls the store for due schedules and fires them.
type Scheduler struct {
	store    Store
	firer    Firer
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // definition IDs currently firing
}

// NewScheduler creates a Scheduler. interval <= 0 selects DefaultTickInterval.
func NewScheduler(s Store, firer Firer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		store:    s,
		firer:    firer,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled schedule that is due and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	fired := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.WfDefinitionID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("definition_id", sched.WfDefinitionID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(sched.WfDefinitionID)
	}
	return fired
}

// RecoverMissed fires once every schedule whose next run passed while the
// process was down. Missed firings are collapsed into a single run.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.WfDefinitionID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("definition_id", sched.WfDefinitionID),
				slog.String("error", err.Error()),
			)
		} else {
			recovered++
		}
		s.release(sched.WfDefinitionID)
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// fire submits the trigger and advances the schedule. A refused admission is
// still a completed firing; only the status differs.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := NextRun(sched.CronExpression, now)
	if err != nil {
		disabled := false
		_ = s.store.UpdateSchedule(ctx, sched.WfDefinitionID, store.ScheduleUpdate{
			Enabled: &disabled, LastRunAt: &now, LastRunStatus: "invalid_cron",
		})
		return fmt.Errorf("schedule %q: %w", sched.WfDefinitionID, err)
	}

	planned := now
	if sched.NextRunAt != nil {
		planned = *sched.NextRunAt
	}
	key := fmt.Sprintf("schedule:%s:%d", sched.WfDefinitionID, planned.Unix())

	s.logger.Info("firing schedule",
		slog.String("definition_id", sched.WfDefinitionID),
		slog.String("cron", sched.CronExpression),
	)

	status := "error"
	adm, err := s.firer.FireSchedule(ctx, sched.WfDefinitionID, key)
	if err != nil {
		s.logger.Error("schedule trigger failed",
			slog.String("definition_id", sched.WfDefinitionID),
			slog.String("error", err.Error()),
		)
	} else {
		status = string(adm.Status)
	}

	return s.store.UpdateSchedule(ctx, sched.WfDefinitionID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the definition in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(definitionID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[definitionID]; ok {
		return false
	}
	s.inflight[definitionID] = struct{}{}
	return true
}

func (s *Scheduler) release(definitionID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, definitionID)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
