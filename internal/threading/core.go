package threading

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/enginecore/internal/capability"
	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/frametask"
	"github.com/roach88/enginecore/internal/future"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/mailbox"
)

// Lifecycle errors.
var (
	// ErrAlreadyInitialized is returned when Init is called a second time.
	ErrAlreadyInitialized = errors.New("threading: core already initialized")

	// ErrAlreadyStarted is returned when Start is called a second time.
	ErrAlreadyStarted = errors.New("threading: core already started")

	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("threading: core has been stopped")
)

// UncaughtHandler receives thread-level failures and failures of tasks,
// callbacks and hooks. It decides policy (log only, request shutdown) and
// must not panic; a panic is recovered and logged.
type UncaughtHandler func(l lane.Lane, err error)

// UpdateFunc is the fixed-step application callback run on the logic loop.
type UpdateFunc func(dt float64)

// shutdownOrder is the order loops are stopped in. A loop stopped later can
// never post into one already stopped and expect it to run.
var shutdownOrder = []lane.Lane{lane.Audio, lane.Logic, lane.Render}

type loop struct {
	lane    lane.Lane
	mb      *mailbox.Mailbox
	waiter  *mailbox.Waiter
	frames  *frametask.Registry // render and audio only
	hook    func()
	running atomic.Bool
	done    chan struct{}
	gid     atomic.Uint64

	iterations atomic.Uint64
}

// Option configures a Core.
type Option func(*Core)

// WithClock replaces the monotonic clock read by the logic loop.
func WithClock(c Clock) Option {
	return func(core *Core) {
		core.clock = c
	}
}

// WithLogger sets the core logger.
func WithLogger(l *slog.Logger) Option {
	return func(core *Core) {
		core.logger = l
	}
}

// WithFrameHook runs hook once per iteration of the render or audio loop,
// after the mailbox drain and before the frame registry advances. Typical
// hooks submit a frame and swap buffers.
func WithFrameHook(l lane.Lane, hook func()) Option {
	return func(core *Core) {
		if l == lane.Render || l == lane.Audio {
			core.hooks[l] = hook
		}
	}
}

// Core owns the render, logic and audio loops and the worker pool.
//
// Thread-safety: every method is safe from any goroutine. Init, Start and
// Advance-style operations require the engine capability token.
type Core struct {
	token  capability.Token
	cfg    Config
	clock  Clock
	logger *slog.Logger
	hooks  map[lane.Lane]func()

	handler atomic.Pointer[UncaughtHandler]

	loops map[lane.Lane]*loop
	ticks *frametask.Registry
	step  *FixedStep
	pool  *WorkerPool

	onUpdate UpdateFunc

	mu          sync.Mutex
	initialized bool
	started     bool
	stopped     bool

	stopOnce sync.Once
	stopErr  error
}

// New creates a core whose privileged operations are gated by tok.
// Mailboxes and registries exist from construction, so work may be posted
// before Start; it runs once the loops are up.
func New(tok capability.Token, cfg Config, opts ...Option) *Core {
	c := &Core{
		token: tok,
		cfg:   cfg.normalized(),
		hooks: make(map[lane.Lane]func()),
		loops: make(map[lane.Lane]*loop, 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = NewMonotonicClock()
	}

	for _, l := range []lane.Lane{lane.Render, lane.Logic, lane.Audio} {
		lp := &loop{
			lane:   l,
			mb:     mailbox.New(l.String(), mailbox.WithLane(l), mailbox.WithLogger(c.logger)),
			waiter: mailbox.NewWaiter(),
			hook:   c.hooks[l],
			done:   make(chan struct{}),
		}
		if l != lane.Logic {
			lp.frames = frametask.NewFrames(tok, lp.mb, frametask.WithLogger(c.logger))
		}
		c.loops[l] = lp
	}
	c.ticks = frametask.NewTicks(tok, c.loops[lane.Logic].mb, frametask.WithLogger(c.logger))
	c.step = NewFixedStep(c.cfg.LogicHz, c.cfg.MaxCatchUpSteps)
	c.pool = NewWorkerPool("workers", c.cfg.Workers, func(err error) {
		c.reportUncaught(lane.Worker, err)
	}, c.logger)
	return c
}

// Config returns the normalized configuration.
func (c *Core) Config() Config {
	return c.cfg
}

// Init installs the uncaught-failure handler and wires it as every mailbox's
// error handler. It may be called once, by the owning runtime.
func (c *Core) Init(tok capability.Token, handler UncaughtHandler) error {
	c.token.Check(tok, "threading: Init")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	c.initialized = true

	if handler != nil {
		c.handler.Store(&handler)
	}
	for _, lp := range c.loops {
		l := lp.lane
		lp.mb.SetErrorHandler(func(err error) {
			c.reportUncaught(l, err)
		})
	}
	return nil
}

// reportUncaught routes err to the installed handler, or logs it.
func (c *Core) reportUncaught(l lane.Lane, err error) {
	h := c.handler.Load()
	if h == nil {
		c.logger.Error("uncaught failure", "lane", l.String(), "error", err)
		return
	}
	if r := fault.Catch(func() { (*h)(l, err) }); r != nil {
		c.logger.Error("uncaught handler panicked",
			"lane", l.String(),
			"error", err,
			"panic", r.String(),
		)
	}
}

// Start launches the worker pool, then the render, logic and audio loops.
// onUpdate runs once per fixed logic step. Start may be called once.
func (c *Core) Start(tok capability.Token, onUpdate UpdateFunc) error {
	c.token.Check(tok, "threading: Start")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.onUpdate = onUpdate

	c.pool.Start()

	render, logic, audio := c.loops[lane.Render], c.loops[lane.Logic], c.loops[lane.Audio]
	for _, lp := range []*loop{render, logic, audio} {
		lp.running.Store(true)
	}
	go c.runLoop(render, func() { c.frameLoop(render) })
	go c.runLoop(logic, func() { c.logicLoop(logic) })
	go c.runLoop(audio, func() { c.frameLoop(audio) })

	c.logger.Info("threading core started",
		"workers", c.cfg.Workers,
		"logic_hz", c.cfg.LogicHz,
		"lock_os_threads", c.cfg.LockOSThreads,
	)
	return nil
}

// runLoop wraps a loop body with thread setup, identity and failure routing.
func (c *Core) runLoop(lp *loop, body func()) {
	defer close(lp.done)

	if c.cfg.LockOSThreads {
		// Never unlocked: when the goroutine exits, the runtime retires the
		// thread, so its name and affinity cannot leak into reuse.
		runtime.LockOSThread()
		if err := nameOSThread("engine-" + lp.lane.String()); err != nil {
			c.logger.Debug("could not name OS thread", "lane", lp.lane.String(), "error", err)
		}
	}

	lp.gid.Store(goroutineID())
	defer lp.gid.Store(0)
	defer func() {
		if n := lp.mb.ShutdownAndDrainAll(); n > 0 {
			c.logger.Debug("drained remaining tasks at loop exit", "lane", lp.lane.String(), "tasks", n)
		}
	}()

	c.logger.Debug("loop entered", "lane", lp.lane.String())
	if r := fault.Catch(body); r != nil {
		lp.running.Store(false)
		c.reportUncaught(lp.lane, fault.FromPanic(fault.CodeThreadFailed, lp.lane, "loop terminated by panic", r))
	}
	c.logger.Debug("loop exited", "lane", lp.lane.String())
}

func (c *Core) frameLoop(lp *loop) {
	for lp.running.Load() {
		lp.mb.Drain(c.cfg.DrainBatch)
		if lp.hook != nil {
			if r := fault.Catch(lp.hook); r != nil {
				c.reportUncaught(lp.lane, fault.FromPanic(fault.CodeTaskFailed, lp.lane, "frame hook panicked", r))
			}
		}
		lp.frames.Advance(c.token)
		lp.iterations.Add(1)

		if lp.mb.Len() == 0 && lp.running.Load() {
			lp.waiter.Park(c.cfg.ParkTimeout)
		}
	}
}

func (c *Core) logicLoop(lp *loop) {
	for lp.running.Load() {
		lp.mb.Drain(c.cfg.DrainBatch)
		c.step.Sample(c.clock.Now(), c.update)
		lp.iterations.Add(1)
		runtime.Gosched()
	}
}

// update runs one fixed step: the application callback, then one tick.
func (c *Core) update(dt float64) {
	if c.onUpdate != nil {
		if r := fault.Catch(func() { c.onUpdate(dt) }); r != nil {
			c.reportUncaught(lane.Logic, fault.FromPanic(fault.CodeTaskFailed, lane.Logic, "logic update panicked", r))
		}
	}
	c.ticks.Advance(c.token)
}

// Stop shuts the loops down in order audio, logic, render, then the worker
// pool. Each wait is bounded; timeouts are logged and returned joined, and
// shutdown proceeds regardless. Stop is idempotent.
func (c *Core) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop()
	})
	return c.stopErr
}

func (c *Core) stop() error {
	c.mu.Lock()
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		return c.stopUnstarted()
	}

	self := goroutineID()
	var errs []error
	for _, l := range shutdownOrder {
		lp := c.loops[l]
		lp.running.Store(false)
		lp.waiter.Wake()

		if lp.gid.Load() == self {
			// Stop was called from this loop; it exits once the call returns.
			continue
		}
		select {
		case <-lp.done:
			c.logger.Debug("loop joined", "lane", l.String())
		case <-time.After(c.cfg.JoinTimeout):
			err := fault.New(fault.CodeTimeout, l, fmt.Sprintf("loop did not exit within %s", c.cfg.JoinTimeout))
			c.logger.Warn("loop join timed out", "lane", l.String(), "timeout", c.cfg.JoinTimeout)
			errs = append(errs, err)
		}
	}

	c.pool.Shutdown()
	if !c.pool.Owns() {
		if err := c.pool.AwaitTermination(c.cfg.PoolTimeout); err != nil {
			c.logger.Warn("worker pool termination timed out", "timeout", c.cfg.PoolTimeout)
			errs = append(errs, err)
		}
	}

	c.logger.Info("threading core stopped")
	return errors.Join(errs...)
}

// stopUnstarted closes a core whose loops never ran. Loop tasks have no lane
// to run on and are dropped; queued worker tasks still run so their futures
// settle.
func (c *Core) stopUnstarted() error {
	for _, l := range shutdownOrder {
		lp := c.loops[l]
		lp.mb.Shutdown()
		if n := lp.mb.Len(); n > 0 {
			c.logger.Warn("dropping tasks posted before start", "lane", l.String(), "tasks", n)
		}
	}

	c.pool.Shutdown()
	c.pool.Start()
	if err := c.pool.AwaitTermination(c.cfg.PoolTimeout); err != nil {
		c.logger.Warn("worker pool termination timed out", "timeout", c.cfg.PoolTimeout)
		return err
	}
	c.logger.Info("threading core stopped before start")
	return nil
}

// RunOnRender posts task to the render loop.
func (c *Core) RunOnRender(task func()) bool { return c.RunOn(lane.Render, task) }

// RunOnLogic posts task to the logic loop.
func (c *Core) RunOnLogic(task func()) bool { return c.RunOn(lane.Logic, task) }

// RunOnAudio posts task to the audio loop.
func (c *Core) RunOnAudio(task func()) bool { return c.RunOn(lane.Audio, task) }

// RunOnWorker submits task to the worker pool, fire-and-forget.
func (c *Core) RunOnWorker(task func()) bool { return c.pool.Submit(task) }

// RunOn posts task to the loop for l and wakes it. Worker submits to the
// pool. Returns false if the target no longer accepts work.
func (c *Core) RunOn(l lane.Lane, task func()) bool {
	if l == lane.Worker {
		return c.pool.Submit(task)
	}
	lp, ok := c.loops[l]
	if !ok {
		panic(fault.Violation("threading: RunOn with invalid lane %s", l))
	}
	if !lp.mb.Post(task) {
		return false
	}
	lp.waiter.Wake()
	return true
}

// Submit runs fn on the worker pool and returns its result as a future.
func Submit[T any](c *Core, fn func() (T, error)) *future.Future[T] {
	return SubmitFuture(c.pool, fn)
}

// IsRenderThread reports whether the caller is the render loop.
func (c *Core) IsRenderThread() bool { return c.isLoop(lane.Render) }

// IsLogicThread reports whether the caller is the logic loop.
func (c *Core) IsLogicThread() bool { return c.isLoop(lane.Logic) }

// IsAudioThread reports whether the caller is the audio loop.
func (c *Core) IsAudioThread() bool { return c.isLoop(lane.Audio) }

// IsWorkerThread reports whether the caller is a worker pool goroutine.
func (c *Core) IsWorkerThread() bool { return c.pool.Owns() }

func (c *Core) isLoop(l lane.Lane) bool {
	gid := c.loops[l].gid.Load()
	return gid != 0 && gid == goroutineID()
}

// CurrentLane returns the lane the caller is running on, if any.
func (c *Core) CurrentLane() (lane.Lane, bool) {
	self := goroutineID()
	for _, l := range []lane.Lane{lane.Render, lane.Logic, lane.Audio} {
		if gid := c.loops[l].gid.Load(); gid != 0 && gid == self {
			return l, true
		}
	}
	if c.pool.Owns() {
		return lane.Worker, true
	}
	return 0, false
}

// MustBeOn panics with a protocol violation unless the caller runs on l.
// op names the guarded operation.
func (c *Core) MustBeOn(l lane.Lane, op string) {
	cur, ok := c.CurrentLane()
	if ok && cur == l {
		return
	}
	where := "a foreign goroutine"
	if ok {
		where = "the " + cur.String() + " lane"
	}
	panic(fault.Violation("%s must run on the %s lane, called from %s", op, l, where))
}

// Mailbox returns the mailbox of the render, logic or audio loop.
func (c *Core) Mailbox(l lane.Lane) *mailbox.Mailbox {
	if lp, ok := c.loops[l]; ok {
		return lp.mb
	}
	return nil
}

// Frames returns the frame registry of the render or audio loop.
func (c *Core) Frames(l lane.Lane) *frametask.Registry {
	if lp, ok := c.loops[l]; ok {
		return lp.frames
	}
	return nil
}

// Ticks returns the logic tick registry.
func (c *Core) Ticks() *frametask.Registry {
	return c.ticks
}

// Pool returns the worker pool.
func (c *Core) Pool() *WorkerPool {
	return c.pool
}

// LoopStats describes one loop.
type LoopStats struct {
	Lane       string          `json:"lane"`
	Iterations uint64          `json:"iterations"`
	Mailbox    mailbox.Stats   `json:"mailbox"`
	Registry   frametask.Stats `json:"registry"`
}

// Stats is a snapshot of the whole core.
type Stats struct {
	Started      bool        `json:"started"`
	Stopped      bool        `json:"stopped"`
	Loops        []LoopStats `json:"loops"`
	Pool         PoolStats   `json:"pool"`
	LogicSteps   uint64      `json:"logic_steps"`
	DroppedSteps uint64      `json:"dropped_steps"`
}

// Stats returns a snapshot of loop, registry and pool counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	st := Stats{Started: c.started, Stopped: c.stopped}
	c.mu.Unlock()

	for _, l := range []lane.Lane{lane.Render, lane.Logic, lane.Audio} {
		lp := c.loops[l]
		reg := lp.frames
		if l == lane.Logic {
			reg = c.ticks
		}
		st.Loops = append(st.Loops, LoopStats{
			Lane:       l.String(),
			Iterations: lp.iterations.Load(),
			Mailbox:    lp.mb.Stats(),
			Registry:   reg.Stats(),
		})
	}
	st.Pool = c.pool.Stats()
	st.LogicSteps = c.step.Steps()
	st.DroppedSteps = c.step.Dropped()
	return st
}
