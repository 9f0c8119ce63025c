// Package transport implements the optional cross-machine request/response
// channel over Redis Streams, with a TTL-based peer registry.
//
// Each computer consumes a stream named for its identity. Requests are
// one-shot: the caller adds an entry to the target's stream and waits on
// output:{message_id} for the response. The transport has no awareness of
// request semantics; pairing is the caller's responsibility.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
)

const (
	registryPrefix = "registry:"
	responsePrefix = "output:"

	// responseTTL bounds how long an unconsumed response stream lingers.
	responseTTL = 5 * time.Minute

	defaultRequestDeadline = 30 * time.Second
	consumeBlock           = 2 * time.Second
)

// Deterministic transport errors.
var (
	ErrPeerUnavailable = errors.New("peer_unavailable")
	ErrRequestTimeout  = errors.New("request_timeout")
	ErrDisabled        = errors.New("transport_disabled")
)

// RequestHandler answers incoming remote requests.
type RequestHandler func(ctx context.Context, from string, payload []byte) ([]byte, error)

// Transport is the Redis Streams transport adapter.
type Transport struct {
	cfg      config.RedisConfig
	computer string
	rdb      *redis.Client
	handler  RequestHandler
	bus      bus.EventBus
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the transport. handler answers requests arriving on this
// computer's stream; bus receives peer heartbeat and digest notifications.
func New(cfg config.RedisConfig, computer string, handler RequestHandler, eventBus bus.EventBus, log *logger.Logger) *Transport {
	return &Transport{
		cfg:      cfg,
		computer: computer,
		handler:  handler,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "transport")),
	}
}

// Name implements adapters.Adapter.
func (t *Transport) Name() string { return "redis" }

// Start connects to the broker and begins the consume and heartbeat loops.
// An unreachable broker disables cross-machine operation but is not fatal:
// local sessions are unaffected.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Addr == "" {
		return ErrDisabled
	}
	t.rdb = redis.NewClient(&redis.Options{
		Addr:     t.cfg.Addr,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
	})
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	// The first heartbeat lands before the loops start so this computer is
	// discoverable as soon as Start returns.
	ttl := t.cfg.HeartbeatTTLDuration()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := t.rdb.Set(ctx, registryPrefix+t.computer, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("registry write failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{}, 2)
	go func() { t.consumeLoop(runCtx); t.done <- struct{}{} }()
	go func() { t.heartbeatLoop(runCtx); t.done <- struct{}{} }()

	t.log.Info("transport started",
		zap.String("addr", t.cfg.Addr),
		zap.String("stream", t.computer))
	return nil
}

// Stop shuts the loops down and drops this computer's registry entry.
func (t *Transport) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
		<-t.done
	}
	if t.rdb != nil {
		_ = t.rdb.Del(ctx, registryPrefix+t.computer).Err()
		return t.rdb.Close()
	}
	return nil
}

// Request sends a one-shot request to a peer and waits for its response on
// output:{message_id}. A peer absent from the registry is rejected
// immediately; no stream write occurs.
func (t *Transport) Request(ctx context.Context, computer string, payload []byte) ([]byte, error) {
	if t.rdb == nil {
		return nil, ErrDisabled
	}

	alive, err := t.rdb.Exists(ctx, registryPrefix+computer).Result()
	if err != nil {
		return nil, fmt.Errorf("peer registry lookup failed: %w", err)
	}
	if alive == 0 {
		return nil, ErrPeerUnavailable
	}

	messageID := uuid.New().String()
	if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: computer,
		Values: map[string]any{
			"message_id": messageID,
			"from":       t.computer,
			"kind":       "request",
			"payload":    string(payload),
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("request write failed: %w", err)
	}

	deadline := defaultRequestDeadline
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	respStream := responsePrefix + messageID
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	lastID := "0"
	for {
		streams, err := t.rdb.XRead(waitCtx, &redis.XReadArgs{
			Streams: []string{respStream, lastID},
			Block:   consumeBlock,
			Count:   1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if waitCtx.Err() != nil {
					return nil, ErrRequestTimeout
				}
				continue
			}
			if waitCtx.Err() != nil {
				return nil, ErrRequestTimeout
			}
			return nil, fmt.Errorf("response read failed: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if body, ok := msg.Values["payload"].(string); ok {
					_ = t.rdb.Del(context.WithoutCancel(ctx), respStream).Err()
					return []byte(body), nil
				}
				lastID = msg.ID
			}
		}
	}
}

// Peers lists computers with a live registry entry, excluding this one.
func (t *Transport) Peers(ctx context.Context) ([]string, error) {
	if t.rdb == nil {
		return nil, ErrDisabled
	}
	var peers []string
	iter := t.rdb.Scan(ctx, 0, registryPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		name := strings.TrimPrefix(iter.Val(), registryPrefix)
		if name != t.computer {
			peers = append(peers, name)
		}
	}
	return peers, iter.Err()
}

// PublishDigest notifies peers that this computer's project or work-item
// state changed; peers refresh their caches without a full data transfer.
func (t *Transport) PublishDigest(ctx context.Context, digest string) error {
	if t.rdb == nil {
		return ErrDisabled
	}
	peers, err := t.Peers(ctx)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: peer,
			Values: map[string]any{
				"from":    t.computer,
				"kind":    "digest",
				"payload": digest,
			},
		}).Err(); err != nil {
			t.log.Warn("digest publish failed", zap.String("peer", peer), zap.Error(err))
		}
	}
	return nil
}

// consumeLoop reads this computer's request stream. Reading from the start
// rather than "$" picks up requests that arrived while the daemon was down;
// stale responses simply expire unconsumed.
func (t *Transport) consumeLoop(ctx context.Context) {
	lastID := "0"
	for ctx.Err() == nil {
		streams, err := t.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.computer, lastID},
			Block:   consumeBlock,
			Count:   16,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.log.Warn("stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				t.handleMessage(ctx, msg)
			}
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, msg redis.XMessage) {
	kind, _ := msg.Values["kind"].(string)
	from, _ := msg.Values["from"].(string)
	payload, _ := msg.Values["payload"].(string)

	switch kind {
	case "request":
		messageID, _ := msg.Values["message_id"].(string)
		if messageID == "" {
			t.log.Warn("request without message_id dropped", zap.String("from", from))
			return
		}
		resp, err := t.handler(ctx, from, []byte(payload))
		if err != nil {
			resp = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		respStream := responsePrefix + messageID
		if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: respStream,
			Values: map[string]any{"payload": string(resp)},
		}).Err(); err != nil {
			t.log.Error("response write failed", zap.String("message_id", messageID), zap.Error(err))
			return
		}
		_ = t.rdb.Expire(ctx, respStream, responseTTL).Err()

	case "digest":
		// Peer state changed; surface it as a heartbeat so the cache
		// refreshes the computer snapshot.
		t.publishHeartbeat(ctx, from, payload)

	default:
		t.log.Debug("unknown stream message kind", zap.String("kind", kind))
	}
}

// heartbeatLoop refreshes this computer's registry TTL. It publishes nothing
// on the local bus; peer heartbeat events come from received digests.
func (t *Transport) heartbeatLoop(ctx context.Context) {
	ttl := t.cfg.HeartbeatTTLDuration()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.rdb.Set(ctx, registryPrefix+t.computer, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("heartbeat write failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) publishHeartbeat(ctx context.Context, computer, detail string) {
	payload := &events.HeartbeatPayload{
		Computer: computer,
		SeenAt:   time.Now().UTC(),
	}
	if detail != "" {
		payload.Capabilities = []string{detail}
	}
	if err := t.bus.Publish(ctx, events.ComputerHeartbeat, bus.NewEvent(events.ComputerHeartbeat, "transport", payload)); err != nil {
		t.log.Warn("heartbeat event publish failed", zap.Error(err))
	}
}
