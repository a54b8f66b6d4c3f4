// Package frametask implements countdown-based task registries keyed to a
// monotonically increasing frame or tick counter.
//
// A Registry is advanced by exactly one goroutine, the loop that owns it (the
// render or audio loop per frame, the logic loop per fixed step). Other
// goroutines may register tasks at any time: the task list is copy-on-write,
// so registration never blocks the sweep and the sweep always iterates a
// stable snapshot.
//
// When a task comes due its body is posted to the owning loop's mailbox, not
// run inline. The body therefore runs on the next drain, at least one unit
// after the sweep that triggered it, and can never reenter the sweep.
package frametask

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/enginecore/internal/capability"
)

// Unit names what a registry counts.
type Unit string

const (
	// Frames counts render or audio loop iterations.
	Frames Unit = "frame"
	// Ticks counts fixed logic steps.
	Ticks Unit = "tick"
)

// Poster accepts task bodies for the owning loop. *mailbox.Mailbox satisfies it.
type Poster interface {
	Post(task func()) bool
}

type state int32

const (
	statePending state = iota
	stateFired
	stateCancelled
)

// Handle is the cancellation handle of a registered task.
type Handle struct {
	id        uuid.UUID
	recurring bool
	state     atomic.Int32
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Cancel stops future firings. It is idempotent and returns true only for
// the call that performed the cancellation. A body already posted to the
// mailbox still checks the flag before running, but a cancel that loses the
// race to a running body has no effect on that run.
func (h *Handle) Cancel() bool {
	return h.state.CompareAndSwap(int32(statePending), int32(stateCancelled))
}

// IsCancelled reports whether Cancel succeeded on this handle.
func (h *Handle) IsCancelled() bool {
	return state(h.state.Load()) == stateCancelled
}

// IsScheduled reports whether the task may still fire.
func (h *Handle) IsScheduled() bool {
	return state(h.state.Load()) == statePending
}

// Recurring reports whether the task fires on every unit.
func (h *Handle) Recurring() bool {
	return h.recurring
}

type entry struct {
	handle    *Handle
	task      func()
	remaining int // owned by the advancing goroutine
}

// Registry holds frame- or tick-based tasks.
type Registry struct {
	unit      Unit
	advanceOp string
	token     capability.Token
	poster    Poster
	logger    *slog.Logger

	counter atomic.Uint64
	entries atomic.Pointer[[]*entry]

	fired   atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a registry counting unit that posts due bodies to poster.
// Advance must be called with tok.
func New(unit Unit, tok capability.Token, poster Poster, opts ...Option) *Registry {
	r := &Registry{
		unit:      unit,
		advanceOp: "frametask: Advance " + string(unit),
		token:     tok,
		poster:    poster,
	}
	empty := make([]*entry, 0)
	r.entries.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// NewFrames creates a frame registry.
func NewFrames(tok capability.Token, poster Poster, opts ...Option) *Registry {
	return New(Frames, tok, poster, opts...)
}

// NewTicks creates a tick registry.
func NewTicks(tok capability.Token, poster Poster, opts ...Option) *Registry {
	return New(Ticks, tok, poster, opts...)
}

// Unit returns what this registry counts.
func (r *Registry) Unit() Unit {
	return r.unit
}

// Every registers task to fire on every unit until cancelled.
func (r *Registry) Every(task func()) *Handle {
	return r.add(task, 1, true)
}

// After registers task to fire once, n units from now. n < 1 is treated as 1.
func (r *Registry) After(n int, task func()) *Handle {
	if n < 1 {
		n = 1
	}
	return r.add(task, n, false)
}

func (r *Registry) add(task func(), n int, recurring bool) *Handle {
	h := &Handle{id: uuid.Must(uuid.NewV7()), recurring: recurring}
	e := &entry{handle: h, task: task, remaining: n}

	for {
		old := r.entries.Load()
		next := make([]*entry, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, e)
		if r.entries.CompareAndSwap(old, &next) {
			return h
		}
	}
}

// Advance moves the counter forward one unit and posts every task that came
// due. Only the owning loop may call it.
func (r *Registry) Advance(tok capability.Token) uint64 {
	r.token.Check(tok, r.advanceOp)

	n := r.counter.Add(1)
	snapshot := *r.entries.Load()

	purge := false
	for _, e := range snapshot {
		if !e.handle.IsScheduled() {
			purge = true
			continue
		}
		e.remaining--
		if e.remaining > 0 {
			continue
		}
		if e.handle.recurring {
			e.remaining = 1
		} else {
			if !e.handle.state.CompareAndSwap(int32(statePending), int32(stateFired)) {
				// Lost to a concurrent Cancel.
				purge = true
				continue
			}
			purge = true
		}
		r.post(e)
	}

	if purge {
		r.purge()
	}
	return n
}

func (r *Registry) post(e *entry) {
	h, task := e.handle, e.task
	body := func() {
		if h.IsCancelled() {
			return
		}
		task()
	}
	if r.poster.Post(body) {
		r.fired.Add(1)
		return
	}
	r.dropped.Add(1)
	r.logger.Debug("due task dropped: owning mailbox shut down",
		"unit", string(r.unit),
		"handle", h.id.String(),
	)
}

// purge removes every entry that can no longer fire. It retries if a foreign
// goroutine registered a task concurrently.
func (r *Registry) purge() {
	for {
		old := r.entries.Load()
		next := make([]*entry, 0, len(*old))
		for _, e := range *old {
			if e.handle.IsScheduled() {
				next = append(next, e)
			}
		}
		if len(next) == len(*old) || r.entries.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Counter returns the number of units advanced so far.
func (r *Registry) Counter() uint64 {
	return r.counter.Load()
}

// Len returns the number of registered entries, including ones cancelled
// since the last sweep.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// Stats reports registry counters.
type Stats struct {
	Unit    string `json:"unit"`
	Counter uint64 `json:"counter"`
	Active  int    `json:"active"`
	Fired   uint64 `json:"fired"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Unit:    string(r.unit),
		Counter: r.counter.Load(),
		Active:  r.Len(),
		Fired:   r.fired.Load(),
		Dropped: r.dropped.Load(),
	}
}
