// Package adapters maintains the adapter registry and the per-adapter
// fan-out lanes that deliver domain events to chat surfaces and transports.
package adapters

import (
	"context"

	"github.com/instruktai/teleclaude/internal/events/bus"
)

// Adapter is the capability shared by UI and transport adapters.
type Adapter interface {
	// Name is the stable adapter id ("telegram", "discord", "api", "redis").
	Name() string
	// Start brings the adapter up. When Start returns an error the
	// registration fails and daemon startup aborts.
	Start(ctx context.Context) error
	// Stop tears the adapter down during shutdown.
	Stop(ctx context.Context) error
}

// UIAdapter renders sessions on a human-facing chat surface.
type UIAdapter interface {
	Adapter

	// DeliverEvent pushes one domain event onto the surface. Errors are
	// lane-local: they are logged and never crash the dispatcher.
	DeliverEvent(ctx context.Context, event *bus.Event) error

	// ChannelReady reports whether the surface's channel/topic for the
	// session exists. Delivery to non-origin adapters is gated on this.
	ChannelReady(ctx context.Context, sessionID string) bool

	// EnsureChannel creates the surface channel/topic for a session.
	EnsureChannel(ctx context.Context, sessionID string) error

	// Healthy reports whether the adapter can reach its platform; a
	// quarantined lane resumes when this recovers.
	Healthy(ctx context.Context) bool
}

// TransportAdapter moves requests between machines; it has no UI.
type TransportAdapter interface {
	Adapter

	// Request sends a one-shot remote request and waits for the response.
	Request(ctx context.Context, computer string, payload []byte) ([]byte, error)

	// Peers lists computers with a live heartbeat.
	Peers(ctx context.Context) ([]string, error)
}
