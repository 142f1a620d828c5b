package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/baton/internal/events"
	"github.com/rendis/baton/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over the MCP notification channel.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil // agent not connected
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; forget this binding so
		// the next push short-circuits until the agent re-registers.
		n.sessions.Drop(agentID)
		return nil
	}
	return err
}

// watchAssignments forwards task_assigned events from the bus to the agent
// they were bound to, so connected agents learn about new work without
// polling. Runs until ctx is done.
func (s *BatonServer) watchAssignments(ctx context.Context) {
	ch, unsubscribe, err := s.bus.Subscribe(ctx, events.Filter{Types: []string{schema.EventTaskAssigned}})
	if err != nil {
		s.logger.Warn("assignment notifications disabled", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			payload := map[string]any{
				"type":    ev.Type,
				"task_id": ev.TaskID,
			}
			if ev.ExecutionID != "" {
				payload["execution_id"] = ev.ExecutionID
			}
			if err := s.notifier.Notify(ctx, ev.AgentID, payload); err != nil {
				s.logger.Warn("assignment notification failed",
					slog.String("agent_id", ev.AgentID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
