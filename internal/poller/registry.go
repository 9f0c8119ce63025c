package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/tmux"
)

// Registry owns the per-session poller workers. A session has at most one
// live worker; starting a new watch replaces the previous one.
type Registry struct {
	bridge    *tmux.Bridge
	bus       bus.EventBus
	outputDir string
	cfg       Config
	log       *logger.Logger

	mu        sync.Mutex
	workers   map[string]*handle
	completed map[string]bool // short id -> last watched command finished
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// handle identifies one live worker so a finished goroutine only removes
// itself, never a replacement started in the meantime.
type handle struct {
	cancel context.CancelFunc
}

// NewRegistry creates the poller registry. outputDir receives the per-session
// output files and is created on first use.
func NewRegistry(bridge *tmux.Bridge, eventBus bus.EventBus, outputDir string, cfg Config, log *logger.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		bridge:    bridge,
		bus:       eventBus,
		outputDir: outputDir,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "poller")),
		workers:   make(map[string]*handle),
		completed: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Watch starts (or restarts) polling a session's pane for output following
// the command identified by markerHash. An empty hash watches for output
// without completion detection.
func (r *Registry) Watch(sessionID, shortID, tmuxName, markerHash string) {
	if r.outputDir != "" {
		_ = os.MkdirAll(r.outputDir, 0o755)
	}

	r.mu.Lock()
	if prev, ok := r.workers[sessionID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	h := &handle{cancel: cancel}
	r.workers[sessionID] = h
	// A fresh watch means a fresh command: its output is incomplete again.
	delete(r.completed, shortID)
	r.mu.Unlock()

	w := &worker{
		sessionID:  sessionID,
		shortID:    shortID,
		tmuxName:   tmuxName,
		markerHash: markerHash,
		bridge:     r.bridge,
		bus:        r.bus,
		outputDir:  r.outputDir,
		cfg:        r.cfg,
		log:        r.log.WithSessionID(sessionID),
		onComplete: func() { r.markCompleted(shortID) },
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.run(ctx)
		r.mu.Lock()
		if r.workers[sessionID] == h {
			delete(r.workers, sessionID)
		}
		r.mu.Unlock()
	}()
}

// Stop cancels the worker for one session and removes its output file.
func (r *Registry) Stop(sessionID, shortID string) {
	r.mu.Lock()
	if h, ok := r.workers[sessionID]; ok {
		h.cancel()
		delete(r.workers, sessionID)
	}
	delete(r.completed, shortID)
	r.mu.Unlock()

	if r.outputDir != "" && shortID != "" {
		_ = os.Remove(filepath.Join(r.outputDir, shortID+".txt"))
	}
}

// Completed reports whether the session's last watched command finished
// with its exit marker.
func (r *Registry) Completed(shortID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[shortID]
}

func (r *Registry) markCompleted(shortID string) {
	r.mu.Lock()
	r.completed[shortID] = true
	r.mu.Unlock()
}

// OutputFile returns the path of a session's output file.
func (r *Registry) OutputFile(shortID string) string {
	return filepath.Join(r.outputDir, shortID+".txt")
}

// Shutdown cancels every worker and waits for them to exit.
func (r *Registry) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
