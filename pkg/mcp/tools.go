package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/baton/internal/diagram"
	"github.com/rendis/baton/internal/dispatch"
	"github.com/rendis/baton/pkg/schema"
)

// --- Fleet tools ---

// handleAgentRegister inserts or replaces an agent in the fleet.
func (s *BatonServer) handleAgentRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	agent, regErr := s.coordinator.RegisterAgent(ctx, schema.Agent{
		ID:             req.GetString("agent_id", ""),
		Name:           name,
		Type:           req.GetString("type", ""),
		RepositoryPath: req.GetString("repository_path", ""),
	})
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	// Capture after registration so a generated ID is mapped too.
	s.captureSession(ctx, agent.ID)
	return marshalResult(agent)
}

// handleAgentPoll hands the agent its next task. The response always carries
// a "task" key; null means nothing to do, which is not an error.
func (s *BatonServer) handleAgentPoll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	s.captureSession(ctx, agentID)

	task, pollErr := s.coordinator.GetNextTaskForAgent(ctx, agentID)
	if pollErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("poll failed: %v", pollErr)), nil
	}
	if task == nil {
		return marshalResult(map[string]any{"task": nil})
	}
	return marshalResult(map[string]any{"task": task})
}

// handleAgentUpdate changes an agent's status. Without a status the call is
// a plain liveness ping.
func (s *BatonServer) handleAgentUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	s.captureSession(ctx, agentID)

	var (
		agent schema.Agent
		opErr error
	)
	if status := req.GetString("status", ""); status == "" {
		agent, opErr = s.coordinator.Ping(ctx, agentID)
	} else {
		agent, opErr = s.coordinator.UpdateAgentStatus(ctx, agentID, schema.AgentStatus(status))
	}
	if opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent update failed: %v", opErr)), nil
	}
	return marshalResult(agent)
}

// handleTaskQueue queues one command for the fleet.
func (s *BatonServer) handleTaskQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}

	task, queueErr := s.coordinator.QueueTask(ctx, dispatch.TaskSpec{
		Command:          command,
		RepositoryPath:   req.GetString("repository_path", ""),
		Priority:         schema.TaskPriority(req.GetString("priority", "")),
		RequiresApproval: req.GetBool("requires_approval", false),
	})
	if queueErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("queue failed: %v", queueErr)), nil
	}
	return marshalResult(task)
}

// handleTaskUpdate moves a task through its lifecycle.
func (s *BatonServer) handleTaskUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}

	task, updErr := s.coordinator.UpdateTaskStatus(ctx, taskID, schema.TaskStatus(status), req.GetString("result", ""))
	if updErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task update failed: %v", updErr)), nil
	}
	return marshalResult(task)
}

// handleTaskApprove decides a task held for approval.
func (s *BatonServer) handleTaskApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}

	task, resErr := s.coordinator.ResolveApproval(ctx, taskID, approved)
	if resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", resErr)), nil
	}
	return marshalResult(task)
}

// handleFleetState returns a point-in-time copy of the fleet.
func (s *BatonServer) handleFleetState(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.coordinator.FleetState())
}

// --- Workflow tools ---

// handleWorkflowRun starts a stored workflow and returns the execution ID.
func (s *BatonServer) handleWorkflowRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	variables := mcp.ParseStringMap(req, "variables", nil)

	executionID, runErr := s.RunWorkflow(ctx, workflowID, variables)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"workflow_id":  workflowID,
	})
}

// handleWorkflowStatus reports one execution, or all active ones when no ID
// is given. Executions from before a restart are read back from the store.
func (s *BatonServer) handleWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		return marshalResult(map[string]any{"active": s.executor.ActiveExecutions()})
	}

	snap, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(snap)
}

// handleWorkflowValidate runs the validation pipeline over a stored
// workflow, an inline document, or an inline definition object.
func (s *BatonServer) handleWorkflowValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	document := req.GetString("document", "")
	definition := mcp.ParseStringMap(req, "definition", nil)

	var report *schema.ValidationReport
	switch {
	case workflowID != "":
		def, getErr := s.store.GetWorkflow(ctx, workflowID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", getErr)), nil
		}
		report = s.validator.Validate(def)
	case document != "":
		_, report = s.validator.ValidateDocument([]byte(document))
	case definition != nil:
		data, marshalErr := json.Marshal(definition)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
		}
		_, report = s.validator.ValidateDocument(data)
	default:
		return mcp.NewToolResultError("one of workflow_id, document or definition is required"), nil
	}

	return marshalResult(map[string]any{
		"valid":    report.Valid(),
		"errors":   report.Errors,
		"warnings": report.Warnings,
	})
}

// handleWorkflowPause gates a running execution before its next step.
func (s *BatonServer) handleWorkflowPause(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.executionOp(req, "pause", s.executor.Pause)
}

// handleWorkflowResume releases a paused execution.
func (s *BatonServer) handleWorkflowResume(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.executionOp(req, "resume", s.executor.Resume)
}

// handleWorkflowCancel aborts a running or paused execution.
func (s *BatonServer) handleWorkflowCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.executionOp(req, "cancel", s.executor.Cancel)
}

// handleWorkflowDiagram renders a definition as a Mermaid flowchart. Given
// an execution, its step statuses overlay the nodes.
func (s *BatonServer) handleWorkflowDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	var results map[string]schema.StepResult
	if executionID != "" {
		snap, snapErr := s.loadExecution(ctx, executionID)
		if snapErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %v", snapErr)), nil
		}
		if workflowID == "" {
			workflowID = snap.WorkflowID
		}
		if req.GetString("include_status", "true") != "false" {
			results = snap.StepResults
		}
	}

	def, defErr := s.store.GetWorkflow(ctx, workflowID)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", defErr)), nil
	}

	model, buildErr := diagram.Build(def, results)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// executionOp applies one lifecycle operation and reports the resulting
// execution status.
func (s *BatonServer) executionOp(req mcp.CallToolRequest, verb string, op func(executionID string) error) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if opErr := op(executionID); opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", verb, opErr)), nil
	}

	out := map[string]any{"ok": true, "execution_id": executionID}
	if snap, snapErr := s.executor.ExecutionStatus(executionID); snapErr == nil {
		out["status"] = snap.Status
	}
	return marshalResult(out)
}

// loadExecution resolves an execution snapshot, preferring the executor's
// live view and falling back to the store for runs that predate the process.
func (s *BatonServer) loadExecution(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	snap, err := s.executor.ExecutionStatus(executionID)
	if err == nil {
		return snap, nil
	}
	stored, storeErr := s.store.GetExecution(ctx, executionID)
	if storeErr != nil {
		return nil, err
	}
	return stored, nil
}

// captureSession maps the agent ID to its current MCP session for
// notifications.
func (s *BatonServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
