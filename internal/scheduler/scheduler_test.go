package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/baton/internal/store"
	"github.com/rendis/baton/pkg/schema"
)

// mockScheduleStore satisfies store.Store for scheduler tests.
type mockScheduleStore struct {
	store.Store
	mu        sync.Mutex
	schedules map[string]*schema.Schedule
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{schedules: make(map[string]*schema.Schedule)}
}

func (m *mockScheduleStore) CreateSchedule(_ context.Context, sched *schema.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *mockScheduleStore) GetSchedule(_ context.Context, id string) (*schema.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockScheduleStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.CronExpr != nil {
		s.CronExpr = *update.CronExpr
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *mockScheduleStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*schema.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*schema.Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

// mockRunner tracks RunWorkflow calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	WorkflowID string
	Variables  map[string]any
}

func (r *mockRunner) RunWorkflow(_ context.Context, workflowID string, variables map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Variables: variables})
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("exec-%d", len(r.calls)), nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// recordingSink captures emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (r *recordingSink) AppendEvent(_ context.Context, e *schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func newTestScheduler(s store.Store, runner WorkflowRunner) (*Scheduler, *recordingSink) {
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, runner, sink, logger), sink
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(newMockScheduleStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickFiresDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-1",
		Name:       "hourly deploy",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestTickSkipsNotDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-future",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
		NextRunAt:  &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-disabled",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    false,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickTreatsNilNextRunAsDue(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-fresh",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "sched-fresh")
	require.NoError(t, err)
	assert.NotNil(t, got.NextRunAt, "first firing sets next_run_at")
}

func TestFirePassesVariables(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-vars",
		CronExpr:   "*/15 * * * *",
		WorkflowID: "wf-process",
		Variables:  map[string]any{"env": "staging"},
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	runner.mu.Lock()
	call := runner.calls[0]
	runner.mu.Unlock()

	assert.Equal(t, "wf-process", call.WorkflowID)
	assert.Equal(t, "staging", call.Variables["env"])
}

func TestFireEmitsScheduleTriggered(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, sink := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-evt",
		CronExpr:   "0 2 * * *",
		WorkflowID: "wf-nightly",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	evt := sink.events[0]
	assert.Equal(t, schema.EventScheduleTriggered, evt.Type)
	assert.Equal(t, "sched-evt", evt.Payload["schedule_id"])
	assert.Equal(t, "wf-nightly", evt.Payload["workflow_id"])
	assert.Equal(t, "0 2 * * *", evt.Payload["cron"])
}

func TestFireFailureStillAdvances(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{err: assert.AnError}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-fail",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-broken",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	got, err := ms.GetSchedule(ctx, "sched-fail")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()), "a failing workflow must not hot-loop its schedule")
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-missed",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-cleanup",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "sched-missed")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestMissedRecoverySkipsFresh(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()

	// Never fired (nil next_run_at) is not "missed"; the first tick owns it.
	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-new",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 0, runner.callCount())
}

func TestStartStop(t *testing.T) {
	ms := newMockScheduleStore()
	sched, _ := newTestScheduler(ms, &mockRunner{})

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-dedup",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	// Pre-acquire the schedule to simulate an in-flight firing.
	acquired := sched.tryAcquire("sched-dedup")
	assert.True(t, acquired)

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again, now it fires.
	sched.release("sched-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-release",
		CronExpr:   "0 * * * *",
		WorkflowID: "wf-deploy",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Reset next_run_at to the past so it is due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateSchedule(ctx, "sched-release", store.ScheduleUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleSchedulesSomeDue(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID: "due-1", CronExpr: "0 * * * *", WorkflowID: "wf-alpha",
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID: "not-due", CronExpr: "0 * * * *", WorkflowID: "wf-beta",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID: "due-2", CronExpr: "0 * * * *", WorkflowID: "wf-gamma",
		Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	ids := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		ids[i] = c.WorkflowID
	}
	runner.mu.Unlock()
	assert.Contains(t, ids, "wf-alpha")
	assert.Contains(t, ids, "wf-gamma")
	assert.NotContains(t, ids, "wf-beta")
}

func TestBadCronLeavesStampsAlone(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched, _ := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	// Creation paths validate expressions, but a row edited out-of-band
	// must not crash the loop.
	require.NoError(t, ms.CreateSchedule(ctx, &schema.Schedule{
		ID:         "sched-badcron",
		CronExpr:   "not a cron",
		WorkflowID: "wf-deploy",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount(), "the workflow still fires")
	got, err := ms.GetSchedule(ctx, "sched-badcron")
	require.NoError(t, err)
	assert.Nil(t, got.LastRunAt, "advance fails, stamps stay put")
}
