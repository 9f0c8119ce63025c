package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

// StopArbiter decides whether an agent stop boundary should block. The agent
// coordinator implements it.
type StopArbiter interface {
	DecideStop(ctx context.Context, ev *Event) (block bool, reason string)
}

// Receiver listens on a Unix socket for JSON-line hook events from the stdio
// helper. Every valid event lands in the durable outbox; stop events are
// additionally answered synchronously with the checkpoint decision so
// native-hook agents receive a structured block response.
type Receiver struct {
	socketPath string
	store      *store.Store
	arbiter    StopArbiter
	wake       func()
	log        *logger.Logger
}

// NewReceiver creates the hook receiver. wake, when non-nil, nudges the
// outbox processor after an insert.
func NewReceiver(socketPath string, st *store.Store, arbiter StopArbiter, wake func(), log *logger.Logger) *Receiver {
	return &Receiver{
		socketPath: socketPath,
		store:      st,
		arbiter:    arbiter,
		wake:       wake,
		log:        log.WithFields(zap.String("component", "hook_receiver")),
	}
}

// Run listens until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	_ = os.Remove(r.socketPath)
	listener, err := net.Listen("unix", r.socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	defer os.Remove(r.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	r.log.Info("hook receiver listening", zap.String("socket", r.socketPath))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Receiver) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			_ = enc.Encode(Response{Decision: "error", Error: "malformed hook event"})
			continue
		}
		resp := r.handleEvent(ctx, &ev)
		_ = enc.Encode(resp)
	}
}

func (r *Receiver) handleEvent(ctx context.Context, ev *Event) Response {
	if !validEvent(ev.Event) {
		return Response{Decision: "error", Error: "unknown hook event '" + ev.Event + "'"}
	}
	if ev.SessionID == "" {
		return Response{Decision: "error", Error: "hook event requires session_id"}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return Response{Decision: "error", Error: "unencodable hook event"}
	}

	if _, err := r.store.AppendHook(ctx, &store.OutboxEntry{
		SessionID:   ev.SessionID,
		Kind:        ev.Event,
		Agent:       ev.Agent,
		Tool:        ev.Tool,
		Preview:     ev.Preview,
		Summary:     ev.Summary,
		PayloadJSON: string(payload),
	}); err != nil {
		// Durability failure must be observable by the caller.
		r.log.Error("outbox insert failed", zap.Error(err))
		return Response{Decision: "error", Error: "outbox write failed"}
	}
	if r.wake != nil {
		r.wake()
	}

	if ev.Event == EventStop && r.arbiter != nil {
		block, reason := r.arbiter.DecideStop(ctx, ev)
		if block {
			return Response{Decision: "block", Reason: reason}
		}
		return Response{Decision: "pass"}
	}
	return Response{Decision: "ok"}
}
