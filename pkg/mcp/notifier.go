package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowtrack/internal/streaming"
	"github.com/rendis/flowtrack/internal/tracker"
)

// SessionNotifier pushes notifications to connected MCP sessions.
type SessionNotifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements SessionNotifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watches   *WatchRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, watches *WatchRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watches: watches}
}

// Notify sends a notification to one session. A session that has gone
// away is unregistered and not reported as an error.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.watches.RemoveSession(sessionID)
		return nil
	}
	return err
}

// Forwarder relays hub events to the sessions watching their execution.
type Forwarder struct {
	hub      streaming.EventHub
	watches  *WatchRegistry
	notifier SessionNotifier
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(hub streaming.EventHub, watches *WatchRegistry, notifier SessionNotifier, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{hub: hub, watches: watches, notifier: notifier, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev streaming.StreamEvent) {
	sessions := f.watches.SessionsFor(ev.ExecutionID)
	if len(sessions) == 0 {
		return
	}

	payload := map[string]any{
		"event_type":   ev.EventType,
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
		"timestamp":    ev.Timestamp,
		"data":         ev.Payload,
	}
	if ev.StepKey != "" {
		payload["step_key"] = ev.StepKey
	}
	for _, sid := range sessions {
		if err := f.notifier.Notify(ctx, sid, payload); err != nil {
			f.logger.Warn("event notification failed", "session_id", sid, "execution_id", ev.ExecutionID, "error", err)
		}
	}

	if st, ok := ev.Payload.(tracker.StatusUpdate); ok && st.Status.IsTerminal() {
		f.watches.Unwatch(ev.ExecutionID)
	}
}
