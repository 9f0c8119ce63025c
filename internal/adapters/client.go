package adapters

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

// Client is the adapter registry and fan-out dispatcher. Each registered UI
// adapter gets its own lane; delivery is parallel per lane and failures are
// lane-local.
type Client struct {
	store     *store.Store
	log       *logger.Logger
	laneDepth int

	mu         sync.RWMutex
	uiAdapters map[string]UIAdapter
	transports map[string]TransportAdapter
	lanes      map[string]*lane

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient creates the adapter client.
func NewClient(st *store.Store, laneDepth int, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		store:      st,
		log:        log.WithFields(zap.String("component", "adapter_client")),
		laneDepth:  laneDepth,
		uiAdapters: make(map[string]UIAdapter),
		transports: make(map[string]TransportAdapter),
		lanes:      make(map[string]*lane),
		runCtx:     ctx,
		runCancel:  cancel,
	}
}

// RegisterUI starts a UI adapter and adds it to the fan-out set. A start
// failure aborts registration; the daemon treats that as fatal at startup.
func (c *Client) RegisterUI(ctx context.Context, adapter UIAdapter) error {
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("adapter %s failed to start: %w", adapter.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.uiAdapters[adapter.Name()]; exists {
		return fmt.Errorf("adapter %s already registered", adapter.Name())
	}
	c.uiAdapters[adapter.Name()] = adapter

	l := newLane(adapter, c.store, c.laneDepth, c.log)
	c.lanes[adapter.Name()] = l
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		l.run(c.runCtx)
	}()

	c.log.Info("ui adapter registered", zap.String("adapter", adapter.Name()))
	return nil
}

// RegisterTransport starts a transport adapter.
func (c *Client) RegisterTransport(ctx context.Context, adapter TransportAdapter) error {
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("transport %s failed to start: %w", adapter.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.transports[adapter.Name()]; exists {
		return fmt.Errorf("transport %s already registered", adapter.Name())
	}
	c.transports[adapter.Name()] = adapter

	c.log.Info("transport adapter registered", zap.String("adapter", adapter.Name()))
	return nil
}

// UI returns a registered UI adapter by name.
func (c *Client) UI(name string) (UIAdapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.uiAdapters[name]
	return a, ok
}

// Transport returns a registered transport adapter by name.
func (c *Client) Transport(name string) (TransportAdapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.transports[name]
	return a, ok
}

// UINames lists registered UI adapters.
func (c *Client) UINames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.uiAdapters))
	for name := range c.uiAdapters {
		names = append(names, name)
	}
	return names
}

// SubscribeBus wires the dispatcher into the event bus. Each incoming event
// is offered to every lane; the offer never blocks, so one lane's overflow
// cannot stall the bus.
func (c *Client) SubscribeBus(eventBus bus.EventBus) error {
	subjects := []string{"session.>", "agent.>", "computer.>", "todo.>"}
	for _, subject := range subjects {
		if _, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			c.Dispatch(event)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch fans one event out to every lane.
func (c *Client) Dispatch(event *bus.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.lanes {
		l.offer(event)
	}
}

// Shutdown stops lanes and adapters.
func (c *Client) Shutdown(ctx context.Context) {
	c.runCancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, adapter := range c.uiAdapters {
		if err := adapter.Stop(ctx); err != nil {
			c.log.Warn("adapter stop failed", zap.String("adapter", name), zap.Error(err))
		}
	}
	for name, adapter := range c.transports {
		if err := adapter.Stop(ctx); err != nil {
			c.log.Warn("transport stop failed", zap.String("adapter", name), zap.Error(err))
		}
	}
}
