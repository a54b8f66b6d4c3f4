package mailbox

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/lane"
)

// Task is a unit of work executed on the consumer goroutine.
type Task = func()

// ErrorHandler receives task failures. It runs on the consumer goroutine.
type ErrorHandler func(err error)

// Stats is a point-in-time view of mailbox counters.
type Stats struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	HighWater int    `json:"high_water"`
	Posted    uint64 `json:"posted"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Accepting bool   `json:"accepting"`
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithErrorHandler sets the handler for failed tasks.
func WithErrorHandler(h ErrorHandler) Option {
	return func(m *Mailbox) {
		m.SetErrorHandler(h)
	}
}

// WithLane tags failures reported by this mailbox with a lane.
func WithLane(l lane.Lane) Option {
	return func(m *Mailbox) {
		m.lane = l
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailbox) {
		m.logger = l
	}
}

// Mailbox is an unbounded FIFO of tasks with a single consumer.
//
// Post is safe from any goroutine. Drain, DrainUntilEmpty and
// ShutdownAndDrainAll must only be called by the consumer.
type Mailbox struct {
	name   string
	lane   lane.Lane
	logger *slog.Logger

	mu        sync.Mutex
	tasks     []Task
	accepting bool

	handler atomic.Pointer[ErrorHandler]

	depth     atomic.Int64
	highWater atomic.Int64
	posted    atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// New creates an accepting mailbox.
func New(name string, opts ...Option) *Mailbox {
	m := &Mailbox{
		name:      name,
		tasks:     make([]Task, 0, 64),
		accepting: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Name returns the mailbox name.
func (m *Mailbox) Name() string {
	return m.name
}

// SetErrorHandler replaces the failure handler. A nil handler restores the
// default, which logs at ERROR.
func (m *Mailbox) SetErrorHandler(h ErrorHandler) {
	if h == nil {
		m.handler.Store(nil)
		return
	}
	m.handler.Store(&h)
}

// Post enqueues task. Returns false iff the mailbox has been shut down.
// A nil task is ignored and reported as accepted.
func (m *Mailbox) Post(task Task) bool {
	if task == nil {
		return true
	}

	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()

	m.posted.Add(1)
	d := m.depth.Add(1)
	for {
		hw := m.highWater.Load()
		if d <= hw || m.highWater.CompareAndSwap(hw, d) {
			break
		}
	}
	return true
}

// MustPost is Post for callers that assume the consumer is alive.
// It panics with a rejected fault if the mailbox has been shut down.
func (m *Mailbox) MustPost(task Task) {
	if !m.Post(task) {
		panic(fault.New(fault.CodeRejected, m.lane, "post to shut down mailbox "+m.name))
	}
}

// pop removes the front task. Returns nil when empty.
func (m *Mailbox) pop() Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tasks) == 0 {
		return nil
	}
	t := m.tasks[0]
	// Release the reference so the closure can be collected.
	m.tasks[0] = nil
	if len(m.tasks) == 1 {
		m.tasks = m.tasks[:0]
	} else {
		m.tasks = m.tasks[1:]
	}
	return t
}

// Drain runs up to maxTasks queued tasks on the calling goroutine and returns how
// many were taken off the queue (executed plus failed).
func (m *Mailbox) Drain(maxTasks int) int {
	n := 0
	for n < maxTasks {
		t := m.pop()
		if t == nil {
			break
		}
		m.depth.Add(-1)
		n++
		m.run(t)
	}
	return n
}

func (m *Mailbox) run(t Task) {
	r := fault.Catch(t)
	if r == nil {
		m.executed.Add(1)
		return
	}
	m.failed.Add(1)
	m.report(fault.FromPanic(fault.CodeTaskFailed, m.lane, "task panicked in mailbox "+m.name, r))
}

func (m *Mailbox) report(err error) {
	if h := m.handler.Load(); h != nil {
		// A panicking handler must not take the consumer down with it.
		if r := fault.Catch(func() { (*h)(err) }); r != nil {
			m.logger.Error("mailbox error handler panicked",
				"mailbox", m.name,
				"panic", r.String(),
			)
		}
		return
	}
	m.logger.Error("mailbox task failed",
		"mailbox", m.name,
		"error", err,
	)
}

// DrainUntilEmpty drains in batches of batch tasks until the queue is empty
// or maxBatches batches have run. maxBatches <= 0 means no cap.
func (m *Mailbox) DrainUntilEmpty(batch, maxBatches int) int {
	if batch <= 0 {
		batch = 1
	}
	total := 0
	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		n := m.Drain(batch)
		total += n
		if n < batch {
			break
		}
	}
	return total
}

// Shutdown stops accepting new tasks. Already queued tasks still drain.
func (m *Mailbox) Shutdown() {
	m.mu.Lock()
	m.accepting = false
	m.mu.Unlock()
}

// ShutdownAndDrainAll stops accepting and runs everything still queued.
// Returns the number of tasks flushed.
func (m *Mailbox) ShutdownAndDrainAll() int {
	m.Shutdown()
	total := 0
	for {
		n := m.Drain(1024)
		total += n
		if n == 0 {
			return total
		}
	}
}

// IsAccepting reports whether Post will accept tasks.
func (m *Mailbox) IsAccepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepting
}

// Len returns the current queue depth.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Stats returns the mailbox counters. HighWater is approximate under contention.
func (m *Mailbox) Stats() Stats {
	return Stats{
		Name:      m.name,
		Depth:     m.Len(),
		HighWater: int(m.highWater.Load()),
		Posted:    m.posted.Load(),
		Executed:  m.executed.Load(),
		Failed:    m.failed.Load(),
		Accepting: m.IsAccepting(),
	}
}
