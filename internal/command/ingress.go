package command

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

// Ingress validates commands from any source and appends them to the durable
// queue. Validation failures never reach the queue.
type Ingress struct {
	store  *store.Store
	log    *logger.Logger
	wakeup func()
}

// NewIngress creates the command ingress. wakeup, when non-nil, nudges the
// queue worker after a successful append so it does not wait out its poll
// interval.
func NewIngress(st *store.Store, log *logger.Logger, wakeup func()) *Ingress {
	return &Ingress{
		store:  st,
		log:    log.WithFields(zap.String("component", "ingress")),
		wakeup: wakeup,
	}
}

// Submit validates and enqueues a command, returning the queue entry id.
// Re-submission with the same (source, dedup key) returns the prior id.
func (i *Ingress) Submit(ctx context.Context, cmd *Command) (int64, error) {
	if cmd.Kind == "" {
		return 0, apperrors.Validation("command kind is required")
	}
	if cmd.Source == "" {
		return 0, apperrors.Validation("command source is required")
	}
	if cmd.Args == nil {
		return 0, apperrors.Validation("command args are required")
	}
	// Kind must decode round-trip; unknown kinds are rejected here.
	if _, err := DecodeArgs(cmd.Kind, "{}"); err != nil {
		return 0, err
	}
	if err := cmd.Args.Validate(); err != nil {
		return 0, err
	}

	if cmd.DedupKey == "" {
		cmd.DedupKey = uuid.New().String()
	}

	payload, err := EncodeArgs(cmd.Args)
	if err != nil {
		return 0, err
	}

	id, duplicate, err := i.store.AppendCommand(ctx, &store.QueueEntry{
		Kind:          cmd.Kind,
		Source:        cmd.Source,
		DedupKey:      cmd.DedupKey,
		PayloadJSON:   payload,
		CallerSession: cmd.CallerSession,
	})
	if err != nil {
		return 0, err
	}
	if duplicate {
		i.log.Debug("duplicate command ignored",
			zap.String("kind", cmd.Kind),
			zap.String("source", cmd.Source),
			zap.String("dedup_key", cmd.DedupKey),
			zap.Int64("prior_id", id))
		return id, nil
	}

	i.log.Info("command accepted",
		zap.String("kind", cmd.Kind),
		zap.String("source", cmd.Source),
		zap.Int64("entry_id", id))

	if i.wakeup != nil {
		i.wakeup()
	}
	return id, nil
}
