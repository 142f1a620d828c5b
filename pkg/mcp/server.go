package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/baton/internal/dispatch"
	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/internal/events"
	"github.com/rendis/baton/internal/store"
	"github.com/rendis/baton/internal/validation"
)

// BatonServerDeps holds the dependencies for creating a BatonServer.
type BatonServerDeps struct {
	Coordinator *dispatch.Coordinator
	Executor    engine.Executor
	Store       store.Store
	Validator   *validation.WorkflowValidator
	Bus         *events.Bus
	Logger      *slog.Logger
}

// BatonServer wraps an MCP server with the fleet and workflow tool handlers.
type BatonServer struct {
	coordinator *dispatch.Coordinator
	executor    engine.Executor
	store       store.Store
	validator   *validation.WorkflowValidator
	bus         *events.Bus
	logger      *slog.Logger
	sessions    *SessionRegistry
	notifier    AgentNotifier
	mcpServer   *server.MCPServer
}

// NewBatonServer creates a BatonServer with all 14 tools registered.
func NewBatonServer(deps BatonServerDeps) *BatonServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BatonServer{
		coordinator: deps.Coordinator,
		executor:    deps.Executor,
		store:       deps.Store,
		validator:   deps.Validator,
		bus:         deps.Bus,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"baton",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Baton coordinates a fleet of coding agents across repositories. Agents join with agent_register, fetch work with agent_poll and report with task_update. Clients queue commands with task_queue, inspect the fleet with fleet_state, and drive workflows with workflow_run, workflow_status, workflow_validate and workflow_diagram."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Assignment notifications run for the lifetime of the call.
func (s *BatonServer) Serve(ctx context.Context) error {
	if s.bus != nil {
		go s.watchAssignments(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BatonServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// RunWorkflow loads a stored definition and starts one execution, returning
// the execution ID. It backs the workflow_run tool and satisfies
// scheduler.WorkflowRunner, so MCP clients and cron schedules share a single
// launch path.
func (s *BatonServer) RunWorkflow(ctx context.Context, workflowID string, variables map[string]any) (string, error) {
	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return s.executor.Start(ctx, def, variables)
}

// tools returns the 14 registered MCP tools as ServerTool entries.
func (s *BatonServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: agentRegisterTool(), Handler: s.handleAgentRegister},
		{Tool: agentPollTool(), Handler: s.handleAgentPoll},
		{Tool: agentUpdateTool(), Handler: s.handleAgentUpdate},
		{Tool: taskQueueTool(), Handler: s.handleTaskQueue},
		{Tool: taskUpdateTool(), Handler: s.handleTaskUpdate},
		{Tool: taskApproveTool(), Handler: s.handleTaskApprove},
		{Tool: fleetStateTool(), Handler: s.handleFleetState},
		{Tool: workflowRunTool(), Handler: s.handleWorkflowRun},
		{Tool: workflowStatusTool(), Handler: s.handleWorkflowStatus},
		{Tool: workflowValidateTool(), Handler: s.handleWorkflowValidate},
		{Tool: workflowPauseTool(), Handler: s.handleWorkflowPause},
		{Tool: workflowResumeTool(), Handler: s.handleWorkflowResume},
		{Tool: workflowCancelTool(), Handler: s.handleWorkflowCancel},
		{Tool: workflowDiagramTool(), Handler: s.handleWorkflowDiagram},
	}
}

// --- Tool definitions ---

func agentRegisterTool() mcp.Tool {
	return mcp.NewTool("agent_register",
		mcp.WithDescription("Register an agent with the fleet"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent display name")),
		mcp.WithString("agent_id", mcp.Description("Agent ID (generated when omitted; reuse to replace a registration)")),
		mcp.WithString("type", mcp.Description("Agent type label, e.g. llm")),
		mcp.WithString("repository_path", mcp.Description("Repository the agent works in")),
	)
}

func agentPollTool() mcp.Tool {
	return mcp.NewTool("agent_poll",
		mcp.WithDescription("Fetch the next task for an agent; doubles as a liveness ping"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the polling agent")),
	)
}

func agentUpdateTool() mcp.Tool {
	return mcp.NewTool("agent_update",
		mcp.WithDescription("Update an agent's status, or refresh its liveness when no status is given"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent")),
		mcp.WithString("status",
			mcp.Enum("idle", "error", "offline"),
			mcp.Description("New status (busy is set by task assignment, not directly)"),
		),
	)
}

func taskQueueTool() mcp.Tool {
	return mcp.NewTool("task_queue",
		mcp.WithDescription("Queue a command for the agent fleet"),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command to run")),
		mcp.WithString("repository_path", mcp.Description("Repository the command targets")),
		mcp.WithString("priority",
			mcp.Enum("low", "normal", "high", "critical"),
			mcp.Description("Task priority (default: normal)"),
		),
		mcp.WithBoolean("requires_approval", mcp.Description("Hold the task until someone approves it")),
	)
}

func taskUpdateTool() mcp.Tool {
	return mcp.NewTool("task_update",
		mcp.WithDescription("Report task progress or completion"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("pending", "in_progress", "completed", "failed", "cancelled"),
			mcp.Description("New status (pending requeues the task)"),
		),
		mcp.WithString("result", mcp.Description("Task output, recorded on terminal statuses")),
	)
}

func taskApproveTool() mcp.Tool {
	return mcp.NewTool("task_approve",
		mcp.WithDescription("Approve or reject a task held for approval"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the held task")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true releases the task to the queue, false cancels it")),
	)
}

func fleetStateTool() mcp.Tool {
	return mcp.NewTool("fleet_state",
		mcp.WithDescription("Snapshot of every registered agent and live task"),
	)
}

func workflowRunTool() mcp.Tool {
	return mcp.NewTool("workflow_run",
		mcp.WithDescription("Start an execution of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithObject("variables", mcp.Description("Initial workflow variables")),
	)
}

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool("workflow_status",
		mcp.WithDescription("Get execution progress, or list active executions when no ID is given"),
		mcp.WithString("execution_id", mcp.Description("ID of the execution")),
	)
}

func workflowValidateTool() mcp.Tool {
	return mcp.NewTool("workflow_validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to validate")),
		mcp.WithString("document", mcp.Description("Inline YAML or JSON workflow document")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition object")),
	)
}

func workflowPauseTool() mcp.Tool {
	return mcp.NewTool("workflow_pause",
		mcp.WithDescription("Pause a running execution before its next step"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func workflowResumeTool() mcp.Tool {
	return mcp.NewTool("workflow_resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func workflowCancelTool() mcp.Tool {
	return mcp.NewTool("workflow_cancel",
		mcp.WithDescription("Cancel a running or paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func workflowDiagramTool() mcp.Tool {
	return mcp.NewTool("workflow_diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart, with step statuses when an execution is given"),
		mcp.WithString("workflow_id", mcp.Description("Workflow definition to render")),
		mcp.WithString("execution_id", mcp.Description("Execution to render with its runtime statuses")),
		mcp.WithString("include_status", mcp.Description("Include the status overlay for execution_id (default: true)")),
	)
}
