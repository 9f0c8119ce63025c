// Package routing implements the canonical agent-routing policy: an agent is
// routable iff it is known, enabled in configuration, not unavailable, and
// not degraded. Every launch path goes through Resolve; no caller keeps a
// local enabled-only fallback.
package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

// Rejection reasons.
const (
	ReasonUnknownAgent    = "unknown_agent"
	ReasonDisabled        = "disabled"
	ReasonUnavailable     = "unavailable"
	ReasonDegraded        = "degraded"
	ReasonNoRoutableAgent = "no_routable_agent"
	ReasonLookupFailed    = "availability_lookup_failed"
)

// Rejection is the deterministic negative outcome of a resolution.
type Rejection struct {
	Agent  string
	Reason string
	Detail string
}

// AvailabilityReader is the store subset the resolver consults.
type AvailabilityReader interface {
	GetAgentAvailability(ctx context.Context, agent string) (*store.AgentAvailability, error)
}

// Resolver applies the routing policy.
type Resolver struct {
	cfg   *config.Config
	avail AvailabilityReader
	log   *logger.Logger
}

// NewResolver creates the resolver.
func NewResolver(cfg *config.Config, avail AvailabilityReader, log *logger.Logger) *Resolver {
	return &Resolver{
		cfg:   cfg,
		avail: avail,
		log:   log.WithFields(zap.String("component", "routing")),
	}
}

// Resolve returns the normalized agent name for a launch request, or a
// rejection with reason. An empty requested agent selects the first routable
// agent in configured preference order. Availability lookup errors fail
// closed.
func (r *Resolver) Resolve(ctx context.Context, requested, source, mode string) (string, *Rejection) {
	if requested != "" {
		rej := r.check(ctx, requested, source)
		if rej != nil {
			return "", rej
		}
		return requested, nil
	}

	for _, name := range r.cfg.AgentNames() {
		if rej := r.check(ctx, name, source); rej == nil {
			return name, nil
		}
	}
	rej := &Rejection{Reason: ReasonNoRoutableAgent}
	r.log.Warn("no routable agent",
		zap.String("source", source),
		zap.String("mode", mode))
	return "", rej
}

// check applies the policy to one concrete agent name.
func (r *Resolver) check(ctx context.Context, agent, source string) *Rejection {
	agentCfg, known := r.cfg.Agents[agent]
	if !known {
		return r.reject(agent, source, ReasonUnknownAgent, "")
	}
	if !agentCfg.Enabled {
		return r.reject(agent, source, ReasonDisabled, "")
	}

	avail, err := r.avail.GetAgentAvailability(ctx, agent)
	if err != nil {
		// Fail closed: a lookup failure must not launch an agent whose
		// availability is unknown.
		return r.reject(agent, source, ReasonLookupFailed, err.Error())
	}
	switch avail.Status {
	case store.AgentUnavailable:
		return r.reject(agent, source, ReasonUnavailable, avail.Reason)
	case store.AgentDegraded:
		return r.reject(agent, source, ReasonDegraded, avail.Reason)
	}
	return nil
}

func (r *Resolver) reject(agent, source, reason, detail string) *Rejection {
	r.log.Warn("agent routing rejected",
		zap.String("agent", agent),
		zap.String("source", source),
		zap.String("reason", reason),
		zap.String("detail", detail))
	return &Rejection{Agent: agent, Reason: reason, Detail: detail}
}
