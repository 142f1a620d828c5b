// Package dispatch is the scheduling core. It tracks the agent fleet and the
// task queue behind a single coarse lock, binds work to agents, and feeds
// state snapshots to a sink after every mutation. Events and persistence
// happen strictly outside the lock.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/pkg/schema"
)

// SnapshotSink receives fleet state after each mutation. Writes are
// best effort; the coordinator never fails an operation because a
// snapshot could not be stored.
type SnapshotSink interface {
	SaveState(ctx context.Context, snap *schema.StateSnapshot) error
}

// Config tunes the coordinator's sweeps and persistence behaviour.
type Config struct {
	// SweepInterval is the cadence of the background assignment, health
	// and approval sweeps driven by Run.
	SweepInterval time.Duration
	// StalenessWindow is how long an agent may go without pinging before
	// the health sweep marks it offline and requeues its task.
	StalenessWindow time.Duration
	// ApprovalTimeout cancels tasks that wait longer than this for an
	// approval decision.
	ApprovalTimeout time.Duration
	// PersistRetries and PersistBackoff bound the snapshot write attempts.
	// Backoff grows linearly per attempt; after the last attempt the
	// snapshot is dropped.
	PersistRetries int
	PersistBackoff time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   5 * time.Second,
		StalenessWindow: 90 * time.Second,
		ApprovalTimeout: 10 * time.Minute,
		PersistRetries:  3,
		PersistBackoff:  50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = def.StalenessWindow
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = def.ApprovalTimeout
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = def.PersistRetries
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = def.PersistBackoff
	}
	return c
}

// TaskSpec describes one command to queue for the fleet. ExecutionID and
// StepID only annotate the queued event; they are not part of the task.
type TaskSpec struct {
	Command          string
	RepositoryPath   string
	Priority         schema.TaskPriority
	RequiresApproval bool
	ExecutionID      string
	StepID           string
}

// Coordinator owns the live fleet state. All reads and writes go through
// one mutex; everything that can block (events, snapshot writes, waiter
// notification) is collected under the lock and applied after release.
type Coordinator struct {
	logger   *slog.Logger
	fsm      *engine.TaskFSM
	recorder engine.EventRecorder
	sink     SnapshotSink
	config   Config

	mu      sync.Mutex
	agents  map[string]schema.Agent
	tasks   map[string]schema.Task
	queue   []string // pending task IDs in enqueue order
	waiters map[string][]chan schema.Task

	// emitMu orders effect batches. commit acquires it while mu is still
	// held, so events and snapshots publish in the order the mutations
	// took the registry lock. Never acquire mu while holding emitMu.
	emitMu sync.Mutex

	persistCh chan *schema.StateSnapshot
}

// New creates a coordinator. The sink and recorder may be nil; the
// coordinator then runs purely in memory.
func New(logger *slog.Logger, sink SnapshotSink, recorder engine.EventRecorder, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:    logger,
		fsm:       engine.NewTaskFSM(recorder),
		recorder:  recorder,
		sink:      sink,
		config:    cfg.withDefaults(),
		agents:    make(map[string]schema.Agent),
		tasks:     make(map[string]schema.Task),
		waiters:   make(map[string][]chan schema.Task),
		persistCh: make(chan *schema.StateSnapshot, 1),
	}
}

// Restore seeds the coordinator from a persisted snapshot. Call once at
// startup, before any other operation. Terminal tasks in the snapshot are
// ignored; the pending queue is rebuilt oldest first because the original
// enqueue order is not persisted.
func (c *Coordinator) Restore(snap *schema.StateSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range snap.Agents {
		c.agents[agent.ID] = agent
	}
	var pending []schema.Task
	for _, task := range snap.Tasks {
		if task.Status.Terminal() {
			continue
		}
		c.tasks[task.ID] = task
		if task.Status == schema.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	c.queue = c.queue[:0]
	for _, task := range pending {
		c.queue = append(c.queue, task.ID)
	}
}

// RegisterAgent inserts or overwrites an agent. The agent always lands
// idle; if a previous registration was mid-task, that task goes back to
// the queue. An empty ID gets a generated one.
func (c *Coordinator) RegisterAgent(ctx context.Context, agent schema.Agent) (schema.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Name == "" {
		return schema.Agent{}, schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}

	fx := &effects{}
	c.mu.Lock()
	fx.addEvent(&schema.Event{
		Type:    schema.EventAgentRegistered,
		AgentID: agent.ID,
		Payload: map[string]any{
			"name":            agent.Name,
			"type":            agent.Type,
			"repository_path": agent.RepositoryPath,
		},
	})
	if prev, ok := c.agents[agent.ID]; ok && prev.CurrentTaskID != "" {
		c.requeueLocked(prev.CurrentTaskID, fx)
	}
	stored := schema.Agent{
		ID:             agent.ID,
		Name:           agent.Name,
		Type:           agent.Type,
		RepositoryPath: agent.RepositoryPath,
		Status:         schema.AgentStatusIdle,
		LastPing:       time.Now().UTC(),
	}
	c.agents[agent.ID] = stored
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return stored, nil
}

// Ping refreshes an agent's liveness. Offline agents recover to idle;
// agents in error stay there until they re-register.
func (c *Coordinator) Ping(ctx context.Context, agentID string) (schema.Agent, error) {
	fx := &effects{}
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return schema.Agent{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent not found: %s", agentID)
	}
	if agent.Status == schema.AgentStatusOffline {
		agent = agent.WithStatus(schema.AgentStatusIdle)
		fx.addEvent(&schema.Event{Type: schema.EventAgentRecovered, AgentID: agentID})
	} else {
		agent = agent.WithPing(time.Now().UTC())
	}
	c.agents[agentID] = agent
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return agent, nil
}

// UpdateAgentStatus forces an agent's status. Busy cannot be set directly;
// it only arises from assignment. Leaving busy requeues the agent's task.
func (c *Coordinator) UpdateAgentStatus(ctx context.Context, agentID string, status schema.AgentStatus) (schema.Agent, error) {
	if !schema.ValidAgentStatus(status) {
		return schema.Agent{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown agent status: %s", status)
	}
	if status == schema.AgentStatusBusy {
		return schema.Agent{}, schema.NewError(schema.ErrCodeConflict, "busy is set by task assignment, not directly")
	}

	fx := &effects{}
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return schema.Agent{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent not found: %s", agentID)
	}
	was := agent.Status
	switch {
	case status == schema.AgentStatusOffline && was != schema.AgentStatusOffline:
		fx.addEvent(&schema.Event{Type: schema.EventAgentOffline, AgentID: agentID})
	case status == schema.AgentStatusIdle && was == schema.AgentStatusOffline:
		fx.addEvent(&schema.Event{Type: schema.EventAgentRecovered, AgentID: agentID})
	}
	if agent.CurrentTaskID != "" {
		c.requeueLocked(agent.CurrentTaskID, fx)
	}
	agent = agent.WithStatus(status)
	agent.CurrentTaskID = ""
	c.agents[agentID] = agent
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return agent, nil
}

// Agent returns a copy of one agent.
func (c *Coordinator) Agent(agentID string) (schema.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return schema.Agent{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent not found: %s", agentID)
	}
	return agent, nil
}

// Task returns a copy of one live task. Terminal tasks leave the
// coordinator; their history lives in the event log.
func (c *Coordinator) Task(taskID string) (schema.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
	}
	return task, nil
}

// FleetState returns a point-in-time copy of every agent and live task.
func (c *Coordinator) FleetState() *schema.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// taskTransition is a state change recorded under the lock and replayed
// through the FSM (which validates and emits) after release.
type taskTransition struct {
	taskID  string
	agentID string
	from    schema.TaskStatus
	to      schema.TaskStatus
}

// effectOp is one deferred side effect: an FSM transition or a plain
// event. Keeping both in one list preserves the order things happened.
type effectOp struct {
	transition *taskTransition
	event      *schema.Event
}

// effects accumulates everything a mutation wants to do outside the lock.
type effects struct {
	ops      []effectOp
	finals   []schema.Task
	snapshot *schema.StateSnapshot
}

func (fx *effects) addTransition(taskID, agentID string, from, to schema.TaskStatus) {
	fx.ops = append(fx.ops, effectOp{transition: &taskTransition{
		taskID: taskID, agentID: agentID, from: from, to: to,
	}})
}

func (fx *effects) addEvent(ev *schema.Event) {
	fx.ops = append(fx.ops, effectOp{event: ev})
}

// commit applies collected effects. The caller still holds c.mu; commit
// chains onto emitMu before releasing it so two racing mutations cannot
// publish their batches out of order relative to the state changes, then
// applies everything outside the registry lock. Event failures are logged
// and swallowed; the in-memory state is already the truth.
func (c *Coordinator) commit(ctx context.Context, fx *effects) {
	c.emitMu.Lock()
	c.mu.Unlock()

	for _, op := range fx.ops {
		switch {
		case op.transition != nil:
			tr := op.transition
			if err := c.fsm.Transition(ctx, tr.taskID, tr.agentID, tr.from, tr.to); err != nil {
				c.logger.DebugContext(ctx, "task event dropped",
					"task_id", tr.taskID, "from", tr.from, "to", tr.to, "error", err)
			}
		case op.event != nil && c.recorder != nil:
			if err := c.recorder.AppendEvent(ctx, op.event); err != nil {
				c.logger.DebugContext(ctx, "event dropped", "type", op.event.Type, "error", err)
			}
		}
	}
	c.queueSnapshot(fx.snapshot)
	c.emitMu.Unlock()

	// notifyWaiters re-acquires c.mu, so it runs after emitMu is released.
	for _, final := range fx.finals {
		c.notifyWaiters(final)
	}
}

func (c *Coordinator) notifyWaiters(final schema.Task) {
	c.mu.Lock()
	ws := c.waiters[final.ID]
	delete(c.waiters, final.ID)
	c.mu.Unlock()
	for _, w := range ws {
		select {
		case w <- final:
		default:
		}
	}
}

func (c *Coordinator) removeWaiter(taskID string, waiter chan schema.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[taskID]
	for i, w := range ws {
		if w == waiter {
			c.waiters[taskID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[taskID]) == 0 {
		delete(c.waiters, taskID)
	}
}

// bindLocked reserves a pending task for an agent. The task becomes
// assigned and leaves the queue; the agent becomes busy.
func (c *Coordinator) bindLocked(taskID, agentID string, fx *effects) {
	task := c.tasks[taskID]
	c.tasks[taskID] = task.WithAgent(agentID)
	c.agents[agentID] = c.agents[agentID].WithTask(taskID)
	c.removeFromQueueLocked(taskID)
	fx.addTransition(taskID, agentID, schema.TaskStatusPending, schema.TaskStatusAssigned)
}

// requeueLocked sends a bound task back to the pending queue, keeping its
// original creation time so priority ordering is unaffected.
func (c *Coordinator) requeueLocked(taskID string, fx *effects) {
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return
	}
	from := task.Status
	agentID := task.AgentID
	c.tasks[taskID] = task.WithoutAgent()
	c.removeFromQueueLocked(taskID)
	c.queue = append(c.queue, taskID)
	if from != schema.TaskStatusPending {
		fx.addTransition(taskID, agentID, from, schema.TaskStatusPending)
	}
}

func (c *Coordinator) removeFromQueueLocked(taskID string) {
	for i, id := range c.queue {
		if id == taskID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// snapshotLocked copies every agent and live task, sorted stably so
// snapshots round-trip deterministically.
func (c *Coordinator) snapshotLocked() *schema.StateSnapshot {
	snap := &schema.StateSnapshot{
		Agents:  make([]schema.Agent, 0, len(c.agents)),
		Tasks:   make([]schema.Task, 0, len(c.tasks)),
		TakenAt: time.Now().UTC(),
	}
	for _, agent := range c.agents {
		snap.Agents = append(snap.Agents, agent)
	}
	for _, task := range c.tasks {
		snap.Tasks = append(snap.Tasks, task)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })
	sort.Slice(snap.Tasks, func(i, j int) bool {
		if !snap.Tasks[i].CreatedAt.Equal(snap.Tasks[j].CreatedAt) {
			return snap.Tasks[i].CreatedAt.Before(snap.Tasks[j].CreatedAt)
		}
		return snap.Tasks[i].ID < snap.Tasks[j].ID
	})
	return snap
}
