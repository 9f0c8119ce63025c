// Package daemon wires the TeleClaude components together and supervises
// their lifecycles. Construction threads every shared handle explicitly;
// there are no package-level singletons.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/instruktai/teleclaude/internal/adapters"
	"github.com/instruktai/teleclaude/internal/adapters/discord"
	"github.com/instruktai/teleclaude/internal/adapters/telegram"
	"github.com/instruktai/teleclaude/internal/cache"
	"github.com/instruktai/teleclaude/internal/checkpoint"
	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/coordinator"
	"github.com/instruktai/teleclaude/internal/cronsource"
	"github.com/instruktai/teleclaude/internal/db"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/gateway"
	"github.com/instruktai/teleclaude/internal/hooks"
	"github.com/instruktai/teleclaude/internal/mcpserver"
	"github.com/instruktai/teleclaude/internal/nextmachine"
	"github.com/instruktai/teleclaude/internal/poller"
	"github.com/instruktai/teleclaude/internal/routing"
	"github.com/instruktai/teleclaude/internal/session"
	"github.com/instruktai/teleclaude/internal/store"
	"github.com/instruktai/teleclaude/internal/tmux"
	"github.com/instruktai/teleclaude/internal/transport"
)

// shutdownGrace bounds the drain at shutdown.
const shutdownGrace = 30 * time.Second

// Daemon is the composed TeleClaude process.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	store        *store.Store
	bus          *bus.MemoryEventBus
	bridge       *tmux.Bridge
	pollers      *poller.Registry
	resolver     *routing.Resolver
	sessions     *session.Manager
	ingress      *command.Ingress
	worker       *command.Worker
	coordinator  *coordinator.Coordinator
	hookReceiver *hooks.Receiver
	hookProc     *hooks.Processor
	adapterCli   *adapters.Client
	cache        *cache.Cache
	transport    *transport.Transport
	cron         *cronsource.Source
	mcp          *mcpserver.Server
	gatewaySrv   *gateway.Server
	orchestrator *nextmachine.Orchestrator
}

// New builds the daemon. Persistence open or migration failure is fatal.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	writer, reader, err := db.OpenPair(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}
	st, err := store.New(writer, reader)
	if err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	d := &Daemon{cfg: cfg, log: log, store: st}

	d.bus = bus.NewMemoryEventBus(log)
	d.bridge = tmux.NewBridge(tmux.NewRealExecutor(), cfg.Computer.Shell, log)
	d.resolver = routing.NewResolver(cfg, st, log)

	pollerCfg := poller.Config{
		Interval:     cfg.Poller.Interval(),
		InitialDelay: cfg.Poller.InitialDelay(),
		IdleAfter:    cfg.Poller.IdleNotification(),
		MaxPolls:     cfg.Poller.MaxPolls,
	}
	outputDir := filepath.Join(config.HomeDir(), "session_output")
	d.pollers = poller.NewRegistry(d.bridge, d.bus, outputDir, pollerCfg, log)

	d.sessions = session.NewManager(cfg, st, d.bridge, d.pollers, d.resolver, d.bus, log)
	d.orchestrator = nextmachine.New(filepath.Join(config.HomeDir(), "work-items"))

	// The dispatch table holds bound methods; they resolve the daemon's
	// fields at execution time, so construction order does not matter.
	d.worker = command.NewWorker(st, d.handlers(), log)
	d.ingress = command.NewIngress(st, log, d.worker.Wake)

	d.coordinator = coordinator.New(cfg, st, d.bridge, d.bus, checkpoint.NewGitInspector(), log)
	d.hookProc = hooks.NewProcessor(st, d.coordinator, log)
	hookSocket := filepath.Join(config.HomeDir(), "hooks.sock")
	d.hookReceiver = hooks.NewReceiver(hookSocket, st, d.coordinator, d.hookProc.Wake, log)

	d.adapterCli = adapters.NewClient(st, 0, log)
	d.cache = cache.New(st, log)

	hub := gateway.NewHub(log)
	d.gatewaySrv = gateway.NewServer(cfg.API, d.ingress, d.cache, st, hub, log)

	if cfg.Redis.Addr != "" {
		d.transport = transport.New(cfg.Redis, cfg.Computer.Name, d.remoteRequestHandler, d.bus, log)
	}
	if len(cfg.Cron) > 0 {
		d.cron = cronsource.New(cfg.Cron, d.ingress, log)
	}
	if cfg.MCP.Enabled {
		d.mcp = mcpserver.New(mcpserver.Config{SocketPath: cfg.MCP.SocketPath}, d.ingress, d.cache, d.pollers, log)
	}

	return d, nil
}

// Run starts every component and blocks until ctx is cancelled, then drains
// within the grace deadline.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cache.SubscribeBus(d.bus); err != nil {
		return err
	}
	if err := d.adapterCli.SubscribeBus(d.bus); err != nil {
		return err
	}
	d.cache.Subscribe(func(kind, id, data string) {
		d.gatewaySrv.Hub().Broadcast(&gateway.Message{
			Type:   "snapshot",
			Entity: kind + ":" + id,
			Data:   json.RawMessage(data),
		})
	})

	if err := d.cache.Warm(ctx); err != nil {
		return fmt.Errorf("cache warm-up failed: %w", err)
	}

	// UI adapters: registration failure prevents startup.
	if d.cfg.API.Enabled {
		if err := d.adapterCli.RegisterUI(ctx, gateway.NewAdapter(d.gatewaySrv)); err != nil {
			return err
		}
	}
	if d.cfg.Telegram.Enabled {
		tg := telegram.New(d.cfg.Telegram, d.ingress, d.store, d.log)
		if err := d.adapterCli.RegisterUI(ctx, tg); err != nil {
			return err
		}
	}
	if d.cfg.Discord.Enabled {
		dc := discord.New(d.cfg.Discord, d.ingress, d.store, d.log)
		if err := d.adapterCli.RegisterUI(ctx, dc); err != nil {
			return err
		}
	}

	// The transport is optional: an unreachable broker disables cross-machine
	// operation without affecting local sessions.
	if d.transport != nil {
		if err := d.adapterCli.RegisterTransport(ctx, d.transport); err != nil {
			d.log.Warn("cross-machine transport disabled", zap.Error(err))
			d.transport = nil
		}
	}

	if d.cron != nil {
		if err := d.cron.Start(ctx); err != nil {
			return err
		}
	}
	if d.mcp != nil {
		if err := d.mcp.Start(ctx); err != nil {
			return err
		}
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { d.worker.Run(runCtx); return nil })
	g.Go(func() error { d.hookProc.Run(runCtx); return nil })
	g.Go(func() error { d.hookProc.RunWatchdog(runCtx); return nil })
	g.Go(func() error { return d.hookReceiver.Run(runCtx) })
	g.Go(func() error { d.sessions.RunSweep(runCtx); return nil })

	d.log.Info("daemon running",
		zap.String("computer", d.cfg.Computer.Name),
		zap.Strings("adapters", d.adapterCli.UINames()))

	<-runCtx.Done()
	return d.shutdown(g)
}

// shutdown drains pending work, flushes the outbox, closes adapters, and
// stops pollers within the grace deadline.
func (d *Daemon) shutdown(g *errgroup.Group) error {
	d.log.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()
	var runErr error
	select {
	case runErr = <-waitDone:
	case <-shutdownCtx.Done():
		d.log.Warn("shutdown grace deadline hit before workers drained")
	}

	if d.cron != nil {
		d.cron.Stop()
	}
	if d.mcp != nil {
		_ = d.mcp.Stop()
	}
	d.pollers.Shutdown()
	d.adapterCli.Shutdown(shutdownCtx)
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.log.Error("database close failed", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// remoteRequestHandler answers requests arriving on this computer's stream:
// the payload is a command envelope submitted through the normal ingress.
func (d *Daemon) remoteRequestHandler(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req struct {
		Kind     string          `json:"kind"`
		DedupKey string          `json:"dedup_key"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed remote command: %w", err)
	}
	raw := string(req.Args)
	if raw == "" {
		raw = "{}"
	}
	args, err := command.DecodeArgs(req.Kind, raw)
	if err != nil {
		return nil, err
	}
	id, err := d.ingress.Submit(ctx, &command.Command{
		Kind:     req.Kind,
		Source:   command.SourceRedis,
		DedupKey: req.DedupKey,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("remote command accepted",
		zap.String("from", from),
		zap.String("kind", req.Kind),
		zap.Int64("entry_id", id))
	return json.Marshal(map[string]any{"accepted": true, "entry_id": id})
}
