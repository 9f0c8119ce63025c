package hooks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

const (
	// claimLock bounds how long one processor may hold a row before the
	// watchdog re-pends it.
	claimLock = 30 * time.Second

	processorPoll    = time.Second
	watchdogInterval = 15 * time.Second
)

// Router consumes claimed outbox rows; the agent coordinator implements it.
type Router interface {
	Route(ctx context.Context, entry *store.OutboxEntry) error
}

// Processor drains the hook outbox. Rows are claimed by atomic state
// transition under a lock token, so concurrent processors never share a row.
type Processor struct {
	store  *store.Store
	router Router
	wake   chan struct{}
	log    *logger.Logger
}

// NewProcessor creates the outbox processor.
func NewProcessor(st *store.Store, router Router, log *logger.Logger) *Processor {
	return &Processor{
		store:  st,
		router: router,
		wake:   make(chan struct{}, 1),
		log:    log.WithFields(zap.String("component", "outbox_processor")),
	}
}

// Wake nudges the processor to claim immediately.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run claims and routes rows until ctx is cancelled, then drains what is
// still pending.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("outbox processor started")
	defer p.log.Info("outbox processor stopped")

	for {
		processed := p.drainOnce(ctx)
		if ctx.Err() != nil {
			// Shutdown flush: route what is still pending before returning.
			p.flush()
			return
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.wake:
		case <-time.After(processorPoll):
		}
	}
}

// drainOnce claims and routes one row. Returns whether a row was processed.
func (p *Processor) drainOnce(ctx context.Context) bool {
	entry, err := p.store.ClaimNextHook(context.WithoutCancel(ctx), claimLock)
	if err != nil {
		p.log.Error("outbox claim failed", zap.Error(err))
		return false
	}
	if entry == nil {
		return false
	}

	log := p.log.WithFields(
		zap.Int64("outbox_id", entry.ID),
		zap.String("kind", entry.Kind),
		zap.String("session_id", entry.SessionID))

	if err := p.router.Route(ctx, entry); err != nil {
		// Leave the row in processing; the watchdog re-pends it after the
		// lock expires and routing is retried.
		log.Error("hook routing failed", zap.Error(err))
		return true
	}

	if err := p.store.MarkHookDelivered(context.WithoutCancel(ctx), entry.ID, entry.LockToken); err != nil {
		log.Error("failed to mark delivered", zap.Error(err))
	}
	return true
}

// flush processes remaining pending rows with a bounded budget during
// shutdown.
func (p *Processor) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		if !p.drainOnce(ctx) {
			return
		}
	}
}

// RunWatchdog re-pends rows whose processing locks expired. Fail-open
// recovery for crashed processors.
func (p *Processor) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReleaseExpiredHooks(ctx)
			if err != nil {
				p.log.Error("watchdog release failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Warn("re-enqueued expired outbox locks", zap.Int64("count", n))
				p.Wake()
			}
		}
	}
}
