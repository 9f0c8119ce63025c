package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

const (
	// defaultLaneDepth bounds the per-adapter queue when no depth is
	// configured. Overflow drops the event for that lane only, with a logged
	// counter.
	defaultLaneDepth = 256

	// deliveryTimeout is the per-call deadline for one adapter delivery.
	deliveryTimeout = 15 * time.Second

	// quarantine thresholds: failures within the window trip the lane.
	failureWindow    = time.Minute
	failureThreshold = 5

	healthProbeInterval = 15 * time.Second
)

// lane is the isolated delivery channel for one UI adapter. One slow or
// failing adapter cannot block another.
type lane struct {
	adapter UIAdapter
	queue   chan *bus.Event
	store   *store.Store
	log     *logger.Logger

	dropped    int64
	recentFail []time.Time
}

func newLane(adapter UIAdapter, st *store.Store, depth int, log *logger.Logger) *lane {
	if depth <= 0 {
		depth = defaultLaneDepth
	}
	return &lane{
		adapter: adapter,
		queue:   make(chan *bus.Event, depth),
		store:   st,
		log:     log.WithAdapter(adapter.Name()),
	}
}

// offer enqueues an event without blocking. Overflow applies back-pressure
// by dropping the event for this lane.
func (l *lane) offer(event *bus.Event) {
	select {
	case l.queue <- event:
	default:
		l.dropped++
		l.log.Warn("lane queue full, event dropped",
			zap.String("event_type", event.Type),
			zap.Int64("dropped_total", l.dropped))
	}
}

// run drains the lane until ctx is cancelled.
func (l *lane) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-l.queue:
			l.deliver(ctx, event)
		}
	}
}

// deliver pushes one event, waiting out channel readiness and quarantine.
// Per-session ordering is preserved: the lane processes its queue serially.
func (l *lane) deliver(ctx context.Context, event *bus.Event) {
	if l.quarantined() {
		if !l.awaitHealthy(ctx) {
			return
		}
		l.recentFail = nil
	}

	sessionID := eventSessionID(event)
	if sessionID != "" && l.alreadyDelivered(ctx, sessionID, event) {
		return
	}

	// Readiness gate: the channel/topic for the session must exist before
	// output lands on a non-origin surface. Retry with exponential backoff.
	if sessionID != "" && !l.adapter.ChannelReady(ctx, sessionID) {
		if err := l.ensureChannelWithBackoff(ctx, sessionID); err != nil {
			l.fail("channel not ready", event, err)
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	err := l.adapter.DeliverEvent(callCtx, event)
	cancel()
	if err != nil {
		l.fail("delivery failed", event, err)
		return
	}

	if sessionID != "" {
		l.recordDelivered(ctx, sessionID, event)
	}
}

func (l *lane) ensureChannelWithBackoff(ctx context.Context, sessionID string) error {
	op := func() (struct{}, error) {
		if err := l.adapter.EnsureChannel(ctx, sessionID); err != nil {
			return struct{}{}, err
		}
		if !l.adapter.ChannelReady(ctx, sessionID) {
			return struct{}{}, backoff.RetryAfter(1)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second))
	return err
}

// alreadyDelivered consults the persisted delivered-message digest. The
// digest is derived from the event's type and payload content, not its
// per-construction id, so a re-emission of the same content after a daemon
// restart (a hook retry, a replayed completion) is suppressed even though
// the carrying event object is new.
func (l *lane) alreadyDelivered(ctx context.Context, sessionID string, event *bus.Event) bool {
	last, err := l.store.GetUXState(ctx, l.adapter.Name(), sessionID, "delivered_digest")
	if err != nil {
		return false
	}
	return last != "" && last == eventDigest(event)
}

func (l *lane) recordDelivered(ctx context.Context, sessionID string, event *bus.Event) {
	if err := l.store.SetUXState(ctx, l.adapter.Name(), sessionID, "delivered_digest", eventDigest(event)); err != nil {
		l.log.Debug("failed to persist delivery digest", zap.Error(err))
	}
}

// eventDigest hashes an event's type and payload. The event's own id and
// timestamp are excluded, so two events carrying the same payload collide;
// timestamps inside the payload are part of the hash.
func eventDigest(event *bus.Event) string {
	data, err := json.Marshal(event.Data)
	if err != nil {
		// Unencodable payloads fall back to the unique id: never suppress
		// what cannot be compared.
		return event.ID
	}
	sum := sha256.Sum256(append([]byte(event.Type+"\n"), data...))
	return hex.EncodeToString(sum[:])
}

func (l *lane) fail(msg string, event *bus.Event, err error) {
	now := time.Now()
	l.recentFail = append(l.recentFail, now)
	l.log.Error(msg,
		zap.String("event_type", event.Type),
		zap.Error(err))
}

// quarantined reports whether the failure count within the window tripped
// the lane.
func (l *lane) quarantined() bool {
	cutoff := time.Now().Add(-failureWindow)
	kept := l.recentFail[:0]
	for _, t := range l.recentFail {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.recentFail = kept
	return len(l.recentFail) >= failureThreshold
}

// awaitHealthy blocks until the adapter's health check recovers or ctx ends.
func (l *lane) awaitHealthy(ctx context.Context) bool {
	l.log.Warn("lane quarantined, awaiting healthy adapter")
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.adapter.Healthy(ctx) {
				l.log.Info("lane recovered from quarantine")
				return true
			}
		}
	}
}

// eventSessionID extracts the session id from known payload variants.
func eventSessionID(event *bus.Event) string {
	switch data := event.Data.(type) {
	case *events.SessionPayload:
		return data.SessionID
	case *events.OutputPayload:
		return data.SessionID
	case *events.ActivityPayload:
		return data.SessionID
	case *events.TodoPayload:
		return data.SessionID
	}
	return ""
}
