// Package poller runs per-session workers that read pane deltas, detect
// exit markers and idle periods, and emit output events. Pollers are
// independent: one session's worker never blocks another's.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/tmux"
)

// streamEditWindow is how long after start deltas carry the streaming-edit
// attribute, letting interactive adapters edit one running message before
// switching to new messages.
const streamEditWindow = 8 * time.Second

// digestTail bounds how much trailing output feeds the duplicate-suppression
// digest.
const digestTail = 512

// tailCap bounds the accumulated output carried on the completion event;
// anything longer lives in the output file.
const tailCap = 8 * 1024

// Config tunes one poller worker.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	IdleAfter    time.Duration
	MaxPolls     int
}

// DefaultConfig returns the spec defaults: 1s interval, 2s initial delay,
// 60s idle notification, 600 poll safety net.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Second,
		InitialDelay: 2 * time.Second,
		IdleAfter:    60 * time.Second,
		MaxPolls:     600,
	}
}

// worker polls one session's pane until the exit marker appears, the pane
// dies, or the poll budget runs out.
type worker struct {
	sessionID  string
	shortID    string
	tmuxName   string
	markerHash string

	bridge    *tmux.Bridge
	bus       bus.EventBus
	outputDir string
	cfg       Config
	log       *logger.Logger

	// onComplete tells the registry the watched command finished, so read
	// surfaces can render the terminal marker.
	onComplete func()

	cursor     int
	tail       string
	lastDigest string
	idleSince  time.Time
	idleSent   bool
	started    time.Time
}

func (w *worker) run(ctx context.Context) {
	w.log.Debug("poller started")
	defer w.log.Debug("poller stopped")

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.InitialDelay):
	}

	w.started = time.Now()
	w.idleSince = time.Now()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for polls := 0; polls < w.cfg.MaxPolls; polls++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if done := w.poll(ctx); done {
			return
		}
	}
	w.log.Warn("poller hit max duration", zap.Int("polls", w.cfg.MaxPolls))
}

// poll performs one read step. Returns true when the poller should stop.
func (w *worker) poll(ctx context.Context) bool {
	if !w.bridge.Exists(ctx, w.tmuxName) {
		w.publish(events.SessionDied, &events.SessionPayload{
			SessionID: w.sessionID,
			ShortID:   w.shortID,
			TmuxName:  w.tmuxName,
			Status:    "died",
		})
		return true
	}

	delta, newCursor, err := w.bridge.Capture(ctx, w.tmuxName, w.cursor)
	if err != nil {
		w.log.Warn("capture failed", zap.Error(err))
		return false
	}
	w.cursor = newCursor

	exitCode, completed := tmux.FindMarker(delta, w.markerHash)
	clean := delta
	if w.markerHash != "" {
		clean = tmux.StripMarkers(clean, w.markerHash)
	}

	if clean != "" {
		digest := tailDigest(clean)
		if digest != w.lastDigest {
			w.lastDigest = digest
			w.tail = clampTail(w.tail + clean)
			w.appendOutputFile(clean)
			w.publish(events.OutputChanged, &events.OutputPayload{
				SessionID:  w.sessionID,
				ShortID:    w.shortID,
				Text:       clean,
				Digest:     digest,
				StreamEdit: time.Since(w.started) < streamEditWindow,
			})
		}
		w.idleSince = time.Now()
		if w.idleSent {
			// Output resumed: withdraw the idle notice.
			w.idleSent = false
			w.publish(events.SessionUpdated, &events.SessionPayload{
				SessionID: w.sessionID,
				ShortID:   w.shortID,
				Status:    "active",
			})
		}
	} else if !w.idleSent && w.cfg.IdleAfter > 0 && time.Since(w.idleSince) >= w.cfg.IdleAfter {
		// Informational only; polling continues regardless.
		w.idleSent = true
		w.publish(events.SessionIdle, &events.SessionPayload{
			SessionID: w.sessionID,
			ShortID:   w.shortID,
			Status:    "idle",
		})
	}

	if completed {
		if w.onComplete != nil {
			w.onComplete()
		}
		// The completion body carries the command's accumulated output so
		// adapters do not need to re-read the output file.
		w.publish(events.SessionCompleted, &events.OutputPayload{
			SessionID: w.sessionID,
			ShortID:   w.shortID,
			Text:      w.tail,
			Digest:    w.lastDigest,
			ExitCode:  &exitCode,
		})
		return true
	}
	return false
}

func clampTail(tail string) string {
	if len(tail) > tailCap {
		return tail[len(tail)-tailCap:]
	}
	return tail
}

func (w *worker) publish(subject string, payload any) {
	// Publishing must survive poller cancellation during shutdown.
	if err := w.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "poller", payload)); err != nil {
		w.log.Error("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (w *worker) appendOutputFile(text string) {
	if w.outputDir == "" {
		return
	}
	path := filepath.Join(w.outputDir, w.shortID+".txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("output file open failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		w.log.Warn("output file write failed", zap.Error(err))
	}
}

func tailDigest(text string) string {
	if len(text) > digestTail {
		text = text[len(text)-digestTail:]
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
