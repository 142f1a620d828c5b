package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/baton/internal/dispatch"
	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/internal/store"
	"github.com/rendis/baton/internal/validation"
	"github.com/rendis/baton/pkg/schema"
)

// --- Mock executor ---

type mockExecutor struct {
	startID   string
	startErr  error
	snapshots map[string]*schema.ExecutionSnapshot
	active    []*schema.ExecutionSnapshot

	startedDefs []string
	paused      []string
	resumed     []string
	cancelled   []string
}

func (m *mockExecutor) Execute(_ context.Context, _ *schema.WorkflowDefinition, _ map[string]any) (*schema.ExecutionResult, error) {
	return nil, nil
}

func (m *mockExecutor) Start(_ context.Context, def *schema.WorkflowDefinition, _ map[string]any) (string, error) {
	m.startedDefs = append(m.startedDefs, def.ID)
	return m.startID, m.startErr
}

func (m *mockExecutor) Validate(_ *schema.WorkflowDefinition) *schema.ValidationReport {
	return &schema.ValidationReport{}
}

func (m *mockExecutor) Pause(executionID string) error {
	m.paused = append(m.paused, executionID)
	return nil
}

func (m *mockExecutor) Resume(executionID string) error {
	m.resumed = append(m.resumed, executionID)
	return nil
}

func (m *mockExecutor) Cancel(executionID string) error {
	m.cancelled = append(m.cancelled, executionID)
	return nil
}

func (m *mockExecutor) ExecutionStatus(executionID string) (*schema.ExecutionSnapshot, error) {
	if snap, ok := m.snapshots[executionID]; ok {
		return snap, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
}

func (m *mockExecutor) ActiveExecutions() []*schema.ExecutionSnapshot {
	return m.active
}

func (m *mockExecutor) Shutdown() {}

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows  map[string]*schema.WorkflowDefinition
	executions map[string]*schema.ExecutionSnapshot
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		executions: make(map[string]*schema.ExecutionSnapshot),
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	if def, ok := m.workflows[id]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", id)
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*schema.ExecutionSnapshot, error) {
	if snap, ok := m.executions[id]; ok {
		return snap, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
}

// --- Helpers ---

func newTestServer(t *testing.T, exec engine.Executor, st store.Store) *BatonServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)

	return NewBatonServer(BatonServerDeps{
		Coordinator: dispatch.New(logger, nil, nil, dispatch.DefaultConfig()),
		Executor:    exec,
		Store:       st,
		Validator:   validator,
		Logger:      logger,
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func registerAgent(t *testing.T, s *BatonServer, name, repo string) schema.Agent {
	t.Helper()
	req := buildRequest("agent_register", map[string]any{
		"name":            name,
		"repository_path": repo,
	})
	result, err := s.handleAgentRegister(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var agent schema.Agent
	unmarshalResult(t, result, &agent)
	return agent
}

func queueTask(t *testing.T, s *BatonServer, args map[string]any) schema.Task {
	t.Helper()
	result, err := s.handleTaskQueue(context.Background(), buildRequest("task_queue", args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var task schema.Task
	unmarshalResult(t, result, &task)
	return task
}

func storedWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "wf-ship",
		Name: "Ship It",
		Steps: []schema.WorkflowStep{
			{ID: "start", Type: schema.StepTypeStart},
			{ID: "build", Type: schema.StepTypeTask, Command: "make build", DependsOn: []string{"start"}},
			{ID: "end", Type: schema.StepTypeEnd, DependsOn: []string{"build"}},
		},
	}
}

// --- Agent tools ---

func TestAgentRegisterTool(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	req := buildRequest("agent_register", map[string]any{
		"agent_id":        "agent-1",
		"name":            "builder",
		"type":            "llm",
		"repository_path": "/srv/app",
	})
	result, err := s.handleAgentRegister(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var agent schema.Agent
	unmarshalResult(t, result, &agent)
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, "builder", agent.Name)
	assert.Equal(t, schema.AgentStatusIdle, agent.Status)
	assert.False(t, agent.LastPing.IsZero())
}

func TestAgentRegisterToolGeneratesID(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleAgentRegister(context.Background(), buildRequest("agent_register", map[string]any{
		"name": "drifter",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var agent schema.Agent
	unmarshalResult(t, result, &agent)
	assert.NotEmpty(t, agent.ID)
}

func TestAgentRegisterToolMissingName(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleAgentRegister(context.Background(), buildRequest("agent_register", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAgentPollToolNoWork(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	result, err := s.handleAgentPoll(context.Background(), buildRequest("agent_poll", map[string]any{
		"agent_id": agent.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "an empty queue is not an error")

	var out struct {
		Task *schema.Task `json:"task"`
	}
	unmarshalResult(t, result, &out)
	assert.Nil(t, out.Task)
}

func TestAgentPollToolReceivesQueuedTask(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	queued := queueTask(t, s, map[string]any{
		"command":         "make test",
		"repository_path": "/srv/app",
	})
	assert.Equal(t, schema.TaskStatusAssigned, queued.Status)
	assert.Equal(t, agent.ID, queued.AgentID)

	result, err := s.handleAgentPoll(context.Background(), buildRequest("agent_poll", map[string]any{
		"agent_id": agent.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Task *schema.Task `json:"task"`
	}
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.Task)
	assert.Equal(t, queued.ID, out.Task.ID)
	assert.Equal(t, "make test", out.Task.Command)
	assert.Equal(t, schema.TaskStatusInProgress, out.Task.Status)
}

func TestAgentPollToolUnknownAgent(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleAgentPoll(context.Background(), buildRequest("agent_poll", map[string]any{
		"agent_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAgentUpdateToolStatus(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	result, err := s.handleAgentUpdate(context.Background(), buildRequest("agent_update", map[string]any{
		"agent_id": agent.ID,
		"status":   "offline",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var updated schema.Agent
	unmarshalResult(t, result, &updated)
	assert.Equal(t, schema.AgentStatusOffline, updated.Status)
}

func TestAgentUpdateToolPingRecoversOffline(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	_, err := s.handleAgentUpdate(context.Background(), buildRequest("agent_update", map[string]any{
		"agent_id": agent.ID,
		"status":   "offline",
	}))
	require.NoError(t, err)

	// No status means a plain ping, which brings an offline agent back.
	result, err := s.handleAgentUpdate(context.Background(), buildRequest("agent_update", map[string]any{
		"agent_id": agent.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var pinged schema.Agent
	unmarshalResult(t, result, &pinged)
	assert.Equal(t, schema.AgentStatusIdle, pinged.Status)
}

func TestAgentUpdateToolRejectsBusy(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	result, err := s.handleAgentUpdate(context.Background(), buildRequest("agent_update", map[string]any{
		"agent_id": agent.ID,
		"status":   "busy",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "busy")
}

// --- Task tools ---

func TestTaskQueueToolDefaults(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	task := queueTask(t, s, map[string]any{"command": "make lint"})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, schema.TaskStatusPending, task.Status, "no agents registered")
	assert.Equal(t, schema.PriorityNormal, task.Priority)

	urgent := queueTask(t, s, map[string]any{
		"command":  "make hotfix",
		"priority": "critical",
	})
	assert.Equal(t, schema.PriorityCritical, urgent.Priority)
}

func TestTaskQueueToolMissingCommand(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleTaskQueue(context.Background(), buildRequest("task_queue", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTaskUpdateToolCompletesAndFreesAgent(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")
	task := queueTask(t, s, map[string]any{
		"command":         "make build",
		"repository_path": "/srv/app",
	})
	require.Equal(t, schema.TaskStatusAssigned, task.Status)

	result, err := s.handleTaskUpdate(context.Background(), buildRequest("task_update", map[string]any{
		"task_id": task.ID,
		"status":  "completed",
		"result":  "built in 4.2s",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var done schema.Task
	unmarshalResult(t, result, &done)
	assert.Equal(t, schema.TaskStatusCompleted, done.Status)
	assert.Equal(t, "built in 4.2s", done.Result)
	require.NotNil(t, done.CompletedAt)

	// Terminal tasks leave the fleet and free their agent.
	snap := s.coordinator.FleetState()
	assert.Empty(t, snap.Tasks)
	freed := snap.AgentByID(agent.ID)
	require.NotNil(t, freed)
	assert.Equal(t, schema.AgentStatusIdle, freed.Status)
	assert.Empty(t, freed.CurrentTaskID)
}

func TestTaskUpdateToolInvalidTransition(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	task := queueTask(t, s, map[string]any{"command": "make build"})

	// Nothing ever picked the task up, so it cannot complete.
	result, err := s.handleTaskUpdate(context.Background(), buildRequest("task_update", map[string]any{
		"task_id": task.ID,
		"status":  "completed",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "invalid task transition")
}

func TestTaskApproveToolRelease(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	agent := registerAgent(t, s, "builder", "/srv/app")

	held := queueTask(t, s, map[string]any{
		"command":           "rm -rf build/",
		"repository_path":   "/srv/app",
		"requires_approval": true,
	})
	assert.Equal(t, schema.TaskStatusPending, held.Status, "held tasks are not assignable")

	result, err := s.handleTaskApprove(context.Background(), buildRequest("task_approve", map[string]any{
		"task_id":  held.ID,
		"approved": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var released schema.Task
	unmarshalResult(t, result, &released)
	assert.False(t, released.RequiresApproval)
	assert.Equal(t, schema.TaskStatusAssigned, released.Status, "approval hands the task to the idle agent")
	assert.Equal(t, agent.ID, released.AgentID)
}

func TestTaskApproveToolReject(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	held := queueTask(t, s, map[string]any{
		"command":           "drop database",
		"requires_approval": true,
	})

	result, err := s.handleTaskApprove(context.Background(), buildRequest("task_approve", map[string]any{
		"task_id":  held.ID,
		"approved": false,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var rejected schema.Task
	unmarshalResult(t, result, &rejected)
	assert.Equal(t, schema.TaskStatusCancelled, rejected.Status)
	assert.Equal(t, "approval rejected", rejected.Result)
	assert.Empty(t, s.coordinator.FleetState().Tasks)
}

func TestTaskApproveToolNotHeld(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	task := queueTask(t, s, map[string]any{"command": "make build"})

	result, err := s.handleTaskApprove(context.Background(), buildRequest("task_approve", map[string]any{
		"task_id":  task.ID,
		"approved": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not awaiting approval")
}

func TestFleetStateTool(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())
	registerAgent(t, s, "builder", "/srv/app")
	registerAgent(t, s, "reviewer", "/srv/docs")
	queueTask(t, s, map[string]any{"command": "make docs", "repository_path": "/srv/missing"})

	result, err := s.handleFleetState(context.Background(), buildRequest("fleet_state", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var snap schema.StateSnapshot
	unmarshalResult(t, result, &snap)
	assert.Len(t, snap.Agents, 2)
	assert.Len(t, snap.Tasks, 1)
	assert.False(t, snap.TakenAt.IsZero())
}

// --- Workflow tools ---

func TestWorkflowRunTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows["wf-ship"] = storedWorkflow()
	exec := &mockExecutor{startID: "exec-42"}
	s := newTestServer(t, exec, ms)

	result, err := s.handleWorkflowRun(context.Background(), buildRequest("workflow_run", map[string]any{
		"workflow_id": "wf-ship",
		"variables":   map[string]any{"target": "prod"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		ExecutionID string `json:"execution_id"`
		WorkflowID  string `json:"workflow_id"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-42", out.ExecutionID)
	assert.Equal(t, "wf-ship", out.WorkflowID)
	assert.Equal(t, []string{"wf-ship"}, exec.startedDefs)
}

func TestWorkflowRunToolUnknownWorkflow(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleWorkflowRun(context.Background(), buildRequest("workflow_run", map[string]any{
		"workflow_id": "wf-missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWorkflowStatusTool(t *testing.T) {
	exec := &mockExecutor{
		snapshots: map[string]*schema.ExecutionSnapshot{
			"exec-1": {
				ExecutionID: "exec-1",
				WorkflowID:  "wf-ship",
				Status:      schema.ExecutionStatusRunning,
				CurrentStep: "build",
			},
		},
	}
	s := newTestServer(t, exec, newMockStore())

	result, err := s.handleWorkflowStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var snap schema.ExecutionSnapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, "exec-1", snap.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusRunning, snap.Status)
	assert.Equal(t, "build", snap.CurrentStep)
}

func TestWorkflowStatusToolStoreFallback(t *testing.T) {
	ms := newMockStore()
	ms.executions["exec-old"] = &schema.ExecutionSnapshot{
		ExecutionID: "exec-old",
		WorkflowID:  "wf-ship",
		Status:      schema.ExecutionStatusCompleted,
	}
	s := newTestServer(t, &mockExecutor{}, ms)

	result, err := s.handleWorkflowStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"execution_id": "exec-old",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "executions from before a restart come from the store")

	var snap schema.ExecutionSnapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
}

func TestWorkflowStatusToolActiveList(t *testing.T) {
	exec := &mockExecutor{
		active: []*schema.ExecutionSnapshot{
			{ExecutionID: "exec-1", Status: schema.ExecutionStatusRunning},
			{ExecutionID: "exec-2", Status: schema.ExecutionStatusPaused},
		},
	}
	s := newTestServer(t, exec, newMockStore())

	result, err := s.handleWorkflowStatus(context.Background(), buildRequest("workflow_status", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Active []schema.ExecutionSnapshot `json:"active"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Active, 2)
}

func TestWorkflowStatusToolNotFound(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleWorkflowStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"execution_id": "exec-ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWorkflowValidateToolDocument(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	doc := `
id: wf-lint
name: Lint
steps:
  - id: start
    type: start
  - id: lint
    type: task
    command: make lint
    depends_on: [start]
  - id: end
    type: end
    depends_on: [lint]
`
	result, err := s.handleWorkflowValidate(context.Background(), buildRequest("workflow_validate", map[string]any{
		"document": doc,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Valid    bool                     `json:"valid"`
		Errors   []schema.ValidationIssue `json:"errors"`
		Warnings []schema.ValidationIssue `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid)
	assert.Empty(t, out.Errors)
	assert.Empty(t, out.Warnings)
}

func TestWorkflowValidateToolInvalidDocument(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	doc := `
id: wf-bad
name: Bad
steps:
  - id: one
    type: teleport
`
	result, err := s.handleWorkflowValidate(context.Background(), buildRequest("workflow_validate", map[string]any{
		"document": doc,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "an invalid definition is a report, not a tool error")

	var out struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Errors)
}

func TestWorkflowValidateToolStoredWithWarnings(t *testing.T) {
	ms := newMockStore()
	ms.workflows["wf-dangling"] = &schema.WorkflowDefinition{
		ID:   "wf-dangling",
		Name: "Dangling",
		Steps: []schema.WorkflowStep{
			{ID: "build", Type: schema.StepTypeTask, Command: "make build", DependsOn: []string{"ghost"}},
			{ID: "end", Type: schema.StepTypeEnd, DependsOn: []string{"build"}},
		},
	}
	s := newTestServer(t, &mockExecutor{}, ms)

	result, err := s.handleWorkflowValidate(context.Background(), buildRequest("workflow_validate", map[string]any{
		"workflow_id": "wf-dangling",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Valid    bool                     `json:"valid"`
		Warnings []schema.ValidationIssue `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid, "dangling dependencies warn, they do not invalidate")
	assert.NotEmpty(t, out.Warnings)
}

func TestWorkflowValidateToolMissingInput(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleWorkflowValidate(context.Background(), buildRequest("workflow_validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWorkflowPauseResumeCancelTools(t *testing.T) {
	exec := &mockExecutor{
		snapshots: map[string]*schema.ExecutionSnapshot{
			"exec-1": {ExecutionID: "exec-1", Status: schema.ExecutionStatusPaused},
		},
	}
	s := newTestServer(t, exec, newMockStore())

	result, err := s.handleWorkflowPause(context.Background(), buildRequest("workflow_pause", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "paused")
	assert.Equal(t, []string{"exec-1"}, exec.paused)

	result, err = s.handleWorkflowResume(context.Background(), buildRequest("workflow_resume", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, exec.resumed)

	result, err = s.handleWorkflowCancel(context.Background(), buildRequest("workflow_cancel", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, exec.cancelled)
}

func TestWorkflowLifecycleToolsMissingID(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	for _, handler := range []func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		s.handleWorkflowPause, s.handleWorkflowResume, s.handleWorkflowCancel,
	} {
		result, err := handler(context.Background(), buildRequest("", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestWorkflowDiagramTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows["wf-ship"] = storedWorkflow()
	s := newTestServer(t, &mockExecutor{}, ms)

	result, err := s.handleWorkflowDiagram(context.Background(), buildRequest("workflow_diagram", map[string]any{
		"workflow_id": "wf-ship",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, `build["build (make build)"]`)
	assert.Contains(t, text, "start --> build")
	assert.NotContains(t, text, "class ", "no execution means no status overlay")
}

func TestWorkflowDiagramToolWithExecution(t *testing.T) {
	ms := newMockStore()
	ms.workflows["wf-ship"] = storedWorkflow()
	exec := &mockExecutor{
		snapshots: map[string]*schema.ExecutionSnapshot{
			"exec-7": {
				ExecutionID: "exec-7",
				WorkflowID:  "wf-ship",
				Status:      schema.ExecutionStatusRunning,
				StepResults: map[string]schema.StepResult{
					"build": {StepID: "build", Status: schema.StepStatusCompleted},
				},
			},
		},
	}
	s := newTestServer(t, exec, ms)

	// The workflow is resolved from the execution snapshot.
	result, err := s.handleWorkflowDiagram(context.Background(), buildRequest("workflow_diagram", map[string]any{
		"execution_id": "exec-7",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "class build completed")

	// include_status=false strips the overlay.
	result, err = s.handleWorkflowDiagram(context.Background(), buildRequest("workflow_diagram", map[string]any{
		"execution_id":   "exec-7",
		"include_status": "false",
	}))
	require.NoError(t, err)
	assert.NotContains(t, extractText(t, result), "class build")
}

func TestWorkflowDiagramToolMissingParams(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, newMockStore())

	result, err := s.handleWorkflowDiagram(context.Background(), buildRequest("workflow_diagram", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
