package command

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

// Handler executes one claimed command.
type Handler func(ctx context.Context, entry *store.QueueEntry, args Args) error

// SourceClass groups sources that share one worker goroutine. Within a
// class execution is strict FIFO by acceptance time; across classes,
// commands run concurrently.
type SourceClass struct {
	Name    string
	Sources []string
}

// DefaultSourceClasses splits interactive surfaces, chat platforms, and
// background producers into independent workers.
func DefaultSourceClasses() []SourceClass {
	return []SourceClass{
		{Name: "interactive", Sources: []string{SourceAPI, SourceMCP, SourceCLI}},
		{Name: "chat", Sources: []string{SourceTelegram, SourceDiscord}},
		{Name: "background", Sources: []string{SourceCron, SourceRedis}},
	}
}

// kindTimeout is the per-kind maximum runtime after which the handler's
// context is cancelled and the entry marked failed.
func kindTimeout(kind string) time.Duration {
	switch kind {
	case KindNewSession, KindAgentRestart, KindAgentThenMessage:
		return 60 * time.Second
	case KindDeploy:
		return 5 * time.Minute
	default:
		return 30 * time.Second
	}
}

// kindAttemptCeiling is the total number of attempts an entry gets (the
// first run included) before it is failed terminally.
func kindAttemptCeiling(kind string) int {
	switch kind {
	case KindSendMessage:
		return 3
	case KindDeploy:
		return 1
	default:
		return 2
	}
}

// Worker drains the durable queue. One goroutine runs per source class.
type Worker struct {
	store    *store.Store
	handlers map[string]Handler
	classes  []SourceClass
	poll     time.Duration
	wake     []chan struct{}
	log      *logger.Logger
}

// NewWorker creates a queue worker with the given per-kind handlers.
func NewWorker(st *store.Store, handlers map[string]Handler, log *logger.Logger) *Worker {
	classes := DefaultSourceClasses()
	wake := make([]chan struct{}, len(classes))
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	return &Worker{
		store:    st,
		handlers: handlers,
		classes:  classes,
		poll:     500 * time.Millisecond,
		wake:     wake,
		log:      log.WithFields(zap.String("component", "queue_worker")),
	}
}

// Wake nudges every class loop to claim immediately.
func (w *Worker) Wake() {
	for _, ch := range w.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run starts one loop per source class and blocks until ctx is cancelled.
// On cancellation no new entries are claimed; in-flight handlers finish
// under their own kind timeout.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i, class := range w.classes {
		go func(c SourceClass, wake <-chan struct{}) {
			w.runClass(ctx, c, wake)
			done <- struct{}{}
		}(class, w.wake[i])
	}
	for range w.classes {
		<-done
	}
}

func (w *Worker) runClass(ctx context.Context, class SourceClass, wake <-chan struct{}) {
	log := w.log.WithFields(zap.String("source_class", class.Name))
	log.Info("queue worker started")
	defer log.Info("queue worker stopped")

	for {
		entry, err := w.store.ClaimNextCommand(ctx, class.Sources)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", zap.Error(err))
		}
		if entry != nil {
			w.execute(ctx, entry, log)
			// Claim again immediately; the queue may be deep.
			if ctx.Err() == nil {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(w.poll):
		}
	}
}

// execute dispatches one claimed entry and records its disposition.
func (w *Worker) execute(ctx context.Context, entry *store.QueueEntry, log *logger.Logger) {
	log = log.WithFields(
		zap.Int64("entry_id", entry.ID),
		zap.String("kind", entry.Kind),
		zap.String("source", entry.Source))

	handler, ok := w.handlers[entry.Kind]
	if !ok {
		log.Error("no handler for command kind")
		w.disposeFailed(entry.ID, fmt.Sprintf("no handler for kind '%s'", entry.Kind), log)
		return
	}

	args, err := DecodeArgs(entry.Kind, entry.PayloadJSON)
	if err != nil {
		w.disposeFailed(entry.ID, err.Error(), log)
		return
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kindTimeout(entry.Kind))
	defer cancel()

	err = w.runHandler(execCtx, handler, entry, args)
	if err == nil {
		if markErr := w.store.MarkCommandDelivered(context.WithoutCancel(ctx), entry.ID); markErr != nil {
			log.Error("failed to mark delivered", zap.Error(markErr))
		}
		log.Debug("command delivered")
		return
	}

	if entry.Attempts+1 >= kindAttemptCeiling(entry.Kind) {
		w.disposeFailed(entry.ID, err.Error(), log)
		return
	}
	log.Warn("command interrupted, requeueing", zap.Error(err), zap.Int("attempts", entry.Attempts+1))
	if reqErr := w.store.RequeueCommand(context.WithoutCancel(ctx), entry.ID, err.Error()); reqErr != nil {
		log.Error("failed to requeue", zap.Error(reqErr))
	}
}

// runHandler invokes the handler, converting panics into errors so a buggy
// handler cannot take the worker loop down.
func (w *Worker) runHandler(ctx context.Context, handler Handler, entry *store.QueueEntry, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, entry, args)
}

func (w *Worker) disposeFailed(id int64, msg string, log *logger.Logger) {
	if err := w.store.MarkCommandFailed(context.Background(), id, msg); err != nil {
		log.Error("failed to mark failed", zap.Error(err))
		return
	}
	log.Warn("command failed terminally", zap.String("error", msg))
}
