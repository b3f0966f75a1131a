package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/pkg/schema"
)

// notificationMethod carries callback requests as MCP log messages, which
// every client already renders.
const notificationMethod = "notifications/message"

// Notifier pushes callback requests to connected MCP sessions.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier that pushes through mcpServer.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Start subscribes to CallbackRequested events on hub and forwards them until
// ctx is done or stop is called.
func (n *Notifier) Start(ctx context.Context, hub streaming.EventHub) (stop func(), err error) {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventCallbackRequested}})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		n.forward(ctx, events)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (n *Notifier) forward(ctx context.Context, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Warn("callback notification failed",
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends one callback request to the session that owns the workflow, or
// to every client when no session owns it. Best-effort: callback.list stays
// the source of truth.
func (n *Notifier) Notify(ev streaming.StreamEvent) error {
	var attrs schema.CallbackRequestedAttributes
	if err := ev.Event().Decode(&attrs); err != nil {
		return err
	}
	params := map[string]any{
		"level":  "info",
		"logger": "duratool",
		"data": map[string]any{
			"kind":            "callback_requested",
			"correlation_id":  attrs.CorrelationID,
			"run_id":          ev.RunID,
			"workflow_id":     ev.WorkflowID,
			"request_payload": attrs.Payload,
			"reply_with":      "callback.reply",
		},
	}

	sessionID, ok := n.sessions.SessionFor(ev.WorkflowID)
	if !ok {
		n.mcpServer.SendNotificationToAllClients(notificationMethod, params)
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session ended between lookup and send.
		n.sessions.Remove(sessionID)
		n.mcpServer.SendNotificationToAllClients(notificationMethod, params)
		return nil
	}
	return err
}
