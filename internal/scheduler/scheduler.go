package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/internal/store"
	"github.com/rendis/baton/pkg/schema"
)

// WorkflowRunner starts one execution of a stored workflow. The server's
// run service satisfies it (keeps the scheduler out of the engine wiring).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, variables map[string]any) (executionID string, err error)
}

// Scheduler polls the store for due schedules and starts their workflows.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	recorder engine.EventRecorder
	parser   cron.Parser
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// New creates a Scheduler.
func New(s store.Store, runner WorkflowRunner, recorder engine.EventRecorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		recorder: recorder,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and fires those that are due. A nil
// next_run_at counts as due; the first firing sets it.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.ID) {
				continue // still firing from a previous tick
			}
			if err := s.fire(ctx, sched, now); err != nil {
				s.logger.Error("failed to fire schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sched.ID)
		}
	}
}

// fire starts the schedule's workflow and advances its run stamps. The run
// outcome lands in the executions table and the event trail; a start
// failure only logs, so a broken workflow cannot wedge its schedule.
func (s *Scheduler) fire(ctx context.Context, sched *schema.Schedule, now time.Time) error {
	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	if err := s.recorder.AppendEvent(ctx, &schema.Event{
		Type: schema.EventScheduleTriggered,
		Payload: map[string]any{
			"schedule_id": sched.ID,
			"workflow_id": sched.WorkflowID,
			"cron":        sched.CronExpr,
		},
	}); err != nil {
		s.logger.Warn("schedule event failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	executionID, err := s.runner.RunWorkflow(ctx, sched.WorkflowID, sched.Variables)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", executionID),
		)
	}

	return s.advance(ctx, sched, now)
}

// advance stamps last_run_at and computes next_run_at from the cron
// expression. Advancing even after a failed start keeps a broken schedule
// from hot-looping every tick.
func (s *Scheduler) advance(ctx context.Context, sched *schema.Schedule, now time.Time) error {
	next, err := s.CalculateNextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(scheduleID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[scheduleID]; ok {
		return false
	}
	s.inflight[scheduleID] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(scheduleID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, scheduleID)
}

// CalculateNextRun computes the next fire time for a five-field cron
// expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
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

// RecoverMissed fires schedules whose next_run_at passed while the process
// was down. Each missed schedule fires once, not once per missed slot.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.ID) {
				continue
			}
			if err := s.fire(ctx, sched, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
				s.release(sched.ID)
				continue
			}
			s.release(sched.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
