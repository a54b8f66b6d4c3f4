package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/enginecore/internal/assets"
	"github.com/roach88/enginecore/internal/capability"
	"github.com/roach88/enginecore/internal/config"
	"github.com/roach88/enginecore/internal/eventbus"
	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/scheduler"
	"github.com/roach88/enginecore/internal/threading"
)

var (
	// ErrAlreadyStarted is returned by a second Start or Run.
	ErrAlreadyStarted = errors.New("engine: already started")

	// ErrStopped is returned when starting an engine that was stopped.
	ErrStopped = errors.New("engine: stopped")
)

// Engine wires the execution core together and supervises its lifetime.
//
// Thread-safety model:
//   - RequestShutdown, Stop, Stats and the accessors: safe from any goroutine,
//     including engine lanes
//   - Run: must be called from exactly one goroutine that is not an engine lane
type Engine struct {
	id     uuid.UUID
	cfg    config.Config
	logger *slog.Logger
	token  capability.Token

	core   *threading.Core
	sched  *scheduler.Scheduler
	bus    *eventbus.Bus
	assets *assets.Manager

	queue *requestQueue
	clock *Clock

	coreOpts []threading.Option
	onFault  threading.UncaughtHandler

	mu        sync.Mutex
	started   bool
	startedAt time.Time

	faults   atomic.Uint64
	stopOnce sync.Once
	stopErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCoreOptions passes options through to the threading core.
func WithCoreOptions(opts ...threading.Option) Option {
	return func(e *Engine) {
		e.coreOpts = append(e.coreOpts, opts...)
	}
}

// WithUncaughtHandler observes every uncaught failure after the engine has
// logged it.
func WithUncaughtHandler(h threading.UncaughtHandler) Option {
	return func(e *Engine) {
		e.onFault = h
	}
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &config.Error{Name: "engine", Problems: errs}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("engine id: %w", err)
	}

	e := &Engine{
		id:    id,
		cfg:   cfg,
		token: capability.New(),
		queue: newRequestQueue(),
		clock: NewClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("engine", e.id.String())

	coreOpts := append([]threading.Option{threading.WithLogger(e.logger)}, e.coreOpts...)
	e.core = threading.New(e.token, cfg.Threading(), coreOpts...)
	if err := e.core.Init(e.token, e.handleUncaught); err != nil {
		return nil, fmt.Errorf("init threading core: %w", err)
	}

	e.sched = scheduler.New(e.core, scheduler.WithLogger(e.logger))
	e.bus = eventbus.New(e.sched, eventbus.WithLogger(e.logger))
	e.assets = assets.NewManager(e.sched,
		assets.WithLogger(e.logger),
		assets.WithNotifier(e.bus.Publish),
		assets.WithLoaderWorkers(cfg.LoaderWorkers),
		assets.WithDisposeTimeout(cfg.PoolTimeout),
	)

	for _, name := range slices.Sorted(maps.Keys(cfg.EventLanes)) {
		t, ok := builtinEvents[name]
		if !ok {
			e.logger.Warn("unknown event in event_lanes", "event", name)
			continue
		}
		e.bus.SetLaneFor(t, cfg.EventLanes[name])
	}

	return e, nil
}

// Start applies the configured asset lanes and launches the threading core.
// onUpdate runs on the logic lane once per fixed step.
func (e *Engine) Start(onUpdate threading.UpdateFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	registered := e.assets.RegisteredTypes()
	for _, name := range slices.Sorted(maps.Keys(e.cfg.AssetLanes)) {
		t, ok := registered[name]
		if !ok {
			e.logger.Warn("no loader registered for asset_lanes entry", "type", name)
			continue
		}
		e.assets.SetLane(t, e.cfg.AssetLanes[name])
	}

	if err := e.core.Start(e.token, onUpdate); err != nil {
		if errors.Is(err, threading.ErrStopped) {
			return ErrStopped
		}
		return err
	}
	e.started = true
	e.startedAt = time.Now()
	e.logger.Info("engine started")
	return nil
}

// Run starts the engine if needed and supervises it until a shutdown is
// requested or ctx is cancelled. The engine is stopped before Run returns.
// onUpdate is ignored when Start was already called.
//
// Returns nil after a requested shutdown, ctx.Err() after cancellation.
func (e *Engine) Run(ctx context.Context, onUpdate threading.UpdateFunc) error {
	if err := e.Start(onUpdate); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}

	for {
		req, ok := e.queue.TryDequeue()
		if ok {
			if e.process(req) {
				return e.Stop()
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine context cancelled", "reason", ctx.Err())
			return errors.Join(ctx.Err(), e.Stop())
		case _, open := <-e.queue.Wait():
			if !open {
				// Stopped directly by another goroutine.
				return nil
			}
		}
	}
}

// process handles one control request. Returns true when the engine must stop.
func (e *Engine) process(req request) bool {
	switch req.kind {
	case requestShutdown:
		e.logger.Info("shutdown requested", "seq", req.seq, "reason", req.reason)
		return true
	case requestFault:
		if e.cfg.ShutdownOnThreadPanic {
			e.logger.Error("shutting down after thread failure",
				"seq", req.seq,
				"lane", req.lane.String(),
				"error", req.err,
			)
			return true
		}
		e.logger.Warn("lane terminated; engine continues degraded",
			"seq", req.seq,
			"lane", req.lane.String(),
		)
	}
	return false
}

// RequestShutdown asks the supervisor loop to stop the engine. Safe from any
// lane. Returns false once the engine has stopped.
func (e *Engine) RequestShutdown(reason string) bool {
	ok := e.queue.Enqueue(request{kind: requestShutdown, seq: e.clock.Next(), reason: reason})
	if ok {
		e.bus.Publish(ShutdownRequested{Reason: reason})
	}
	return ok
}

func (e *Engine) handleUncaught(l lane.Lane, err error) {
	e.faults.Add(1)
	e.logger.Error("uncaught failure", "lane", l.String(), "error", err)

	if fault.IsThreadFailure(err) {
		e.queue.Enqueue(request{kind: requestFault, seq: e.clock.Next(), lane: l, err: err})
	}
	if e.onFault != nil {
		e.onFault(l, err)
	}
}

// Stop cancels timers, disposes assets while the render lane still runs, then
// stops the threading core. Stop is idempotent and safe from any lane.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.sched.Close()
		assetErr := e.assets.Dispose()
		coreErr := e.core.Stop()
		e.queue.Close()

		e.stopErr = errors.Join(assetErr, coreErr)
		if e.stopErr != nil {
			e.logger.Warn("engine stopped with errors", "error", e.stopErr)
			return
		}
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}

// Stats is a snapshot of every component.
type Stats struct {
	ID          string          `json:"id"`
	Uptime      time.Duration   `json:"uptime"`
	Faults      uint64          `json:"faults"`
	Pending     int             `json:"pending_requests"`
	LastRequest int64           `json:"last_request_seq"`
	Core        threading.Stats `json:"core"`
	Scheduler   scheduler.Stats `json:"scheduler"`
	Bus         eventbus.Stats  `json:"bus"`
	Assets      assets.Stats    `json:"assets"`
}

// Stats returns a snapshot of engine and component counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	var uptime time.Duration
	if e.started {
		uptime = time.Since(e.startedAt)
	}
	e.mu.Unlock()

	return Stats{
		ID:          e.id.String(),
		Uptime:      uptime,
		Faults:      e.faults.Load(),
		Pending:     e.queue.Len(),
		LastRequest: e.clock.Current(),
		Core:        e.core.Stats(),
		Scheduler:   e.sched.Stats(),
		Bus:         e.bus.Stats(),
		Assets:      e.assets.Stats(),
	}
}

// ID returns the engine instance ID.
func (e *Engine) ID() uuid.UUID { return e.id }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

// Core returns the threading core.
func (e *Engine) Core() *threading.Core { return e.core }

// Scheduler returns the unified scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Assets returns the asset manager.
func (e *Engine) Assets() *assets.Manager { return e.assets }
