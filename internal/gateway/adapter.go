package gateway

import (
	"context"
	"encoding/json"

	"github.com/instruktai/teleclaude/internal/events/bus"
)

// Adapter is the gateway's UI-adapter face: domain events fan out to
// connected WebSocket clients through the hub. The API surface has no
// channel provisioning, so readiness is unconditional.
type Adapter struct {
	server *Server
	cancel context.CancelFunc
}

// NewAdapter wraps a gateway server as a registrable UI adapter.
func NewAdapter(server *Server) *Adapter {
	return &Adapter{server: server}
}

// Name implements adapters.Adapter.
func (a *Adapter) Name() string { return "api" }

// Start launches the hub and HTTP server.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.server.hub.Run(runCtx)
	go func() {
		if err := a.server.Run(runCtx); err != nil {
			a.server.log.Error("gateway server exited: " + err.Error())
		}
	}()
	return nil
}

// Stop shuts the gateway down.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// DeliverEvent broadcasts one domain event to WebSocket subscribers.
func (a *Adapter) DeliverEvent(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	a.server.hub.Broadcast(&Message{
		Type:      event.Type,
		SessionID: sessionIDOf(event),
		Data:      data,
	})
	return nil
}

// ChannelReady implements adapters.UIAdapter; WebSocket clients need no
// per-session channel.
func (a *Adapter) ChannelReady(ctx context.Context, sessionID string) bool { return true }

// EnsureChannel implements adapters.UIAdapter.
func (a *Adapter) EnsureChannel(ctx context.Context, sessionID string) error { return nil }

// Healthy implements adapters.UIAdapter.
func (a *Adapter) Healthy(ctx context.Context) bool { return true }

// sessionIDOf extracts a session id from the payload without depending on
// every payload type: the wire envelope only needs it for routing.
func sessionIDOf(event *bus.Event) string {
	type sessioned interface{ GetSessionID() string }
	if s, ok := event.Data.(sessioned); ok {
		return s.GetSessionID()
	}
	// Fall back to a JSON probe; payloads are small.
	data, err := json.Marshal(event.Data)
	if err != nil {
		return ""
	}
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}
