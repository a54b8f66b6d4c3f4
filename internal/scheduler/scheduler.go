// Package scheduler is the single entry point for deferred and cross-lane
// execution. It composes wall-clock timers, the per-lane frame and tick
// registries, and direct mailbox posts behind one lane-keyed API.
//
// Timer bodies never run on the timer goroutine: on fire they are posted into
// the logic mailbox, so every time-based task observes logic-lane context.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/frametask"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/threading"
)

// Stats counts scheduler activity.
type Stats struct {
	TimersActive    int    `json:"timers_active"`
	TimerFirings    uint64 `json:"timer_firings"`
	TimerRejections uint64 `json:"timer_rejections"`
	Deferred        uint64 `json:"deferred"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Scheduler routes work onto lanes now, after N frames or ticks, or after a
// wall-clock delay.
//
// Thread-safety: every method is safe from any goroutine.
type Scheduler struct {
	core   *threading.Core
	logger *slog.Logger

	timers sync.Map // handle id -> *taskHandle
	closed atomic.Bool

	timerFirings    atomic.Uint64
	timerRejections atomic.Uint64
	deferred        atomic.Uint64
}

// New creates a scheduler over core.
func New(core *threading.Core, opts ...Option) *Scheduler {
	s := &Scheduler{core: core}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule runs task on the logic lane once delay has elapsed.
func (s *Scheduler) Schedule(delay time.Duration, task func()) Handle {
	h := newTaskHandle(false)
	if !s.track(h) {
		return h
	}

	h.mu.Lock()
	h.timer = time.AfterFunc(max(delay, 0), func() {
		s.forget(h)
		s.fire(h, task)
	})
	h.mu.Unlock()
	return h
}

// ScheduleAtFixedRate runs task on the logic lane after initialDelay and then
// every period. Deadlines are computed from the schedule, not from when the
// previous body ran, so the rate does not drift.
func (s *Scheduler) ScheduleAtFixedRate(initialDelay, period time.Duration, task func()) Handle {
	if period <= 0 {
		panic(fault.Violation("scheduler: fixed-rate period must be positive, got %s", period))
	}
	h := newTaskHandle(true)
	if !s.track(h) {
		return h
	}

	var tick func()
	tick = func() {
		if h.IsCancelled() {
			return
		}
		if !s.fire(h, task) {
			s.forget(h)
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.IsCancelled() {
			return
		}
		h.next = h.next.Add(period)
		if wait := time.Until(h.next); wait > 0 {
			h.timer.Reset(wait)
			return
		}
		// Fell behind by more than a period; realign instead of bursting.
		h.next = time.Now().Add(period)
		h.timer.Reset(period)
	}

	h.mu.Lock()
	h.next = time.Now().Add(max(initialDelay, 0))
	h.timer = time.AfterFunc(max(initialDelay, 0), tick)
	h.mu.Unlock()
	return h
}

// ScheduleAtHz runs task on the logic lane hz times per second.
func (s *Scheduler) ScheduleAtHz(hz float64, task func()) Handle {
	if hz <= 0 {
		panic(fault.Violation("scheduler: rate must be positive, got %g Hz", hz))
	}
	period := time.Duration(float64(time.Second) / hz)
	return s.ScheduleAtFixedRate(period, period, task)
}

// fire posts task to the logic mailbox. Returns false if the mailbox is gone,
// in which case the handle ends up cancelled.
func (s *Scheduler) fire(h *taskHandle, task func()) bool {
	if !s.core.RunOnLogic(h.guard(task)) {
		h.abandon()
		s.timerRejections.Add(1)
		s.logger.Debug("timer fired after logic lane shut down", "handle", h.id)
		return false
	}
	s.timerFirings.Add(1)
	return true
}

// track registers a timer handle. After Close the handle is cancelled
// instead and track returns false.
func (s *Scheduler) track(h *taskHandle) bool {
	if s.closed.Load() {
		h.Cancel()
		return false
	}
	h.onCancel = s.forget
	s.timers.Store(h.id, h)
	return true
}

func (s *Scheduler) forget(h *taskHandle) {
	s.timers.Delete(h.id)
}

// RunOnceNextTick runs task on the logic lane after the next tick.
func (s *Scheduler) RunOnceNextTick(task func()) Handle {
	return s.core.Ticks().After(1, task)
}

// RunAfterTicks runs task on the logic lane after n ticks.
func (s *Scheduler) RunAfterTicks(n int, task func()) Handle {
	return s.core.Ticks().After(n, task)
}

// EveryTick runs task on the logic lane after every tick until cancelled.
func (s *Scheduler) EveryTick(task func()) Handle {
	return s.core.Ticks().Every(task)
}

// RunOnceNextFrame runs task on l after its next frame. l must be render or
// audio.
func (s *Scheduler) RunOnceNextFrame(l lane.Lane, task func()) Handle {
	return s.frames(l, "RunOnceNextFrame").After(1, task)
}

// RunAfterFrames runs task on l after n frames.
func (s *Scheduler) RunAfterFrames(l lane.Lane, n int, task func()) Handle {
	return s.frames(l, "RunAfterFrames").After(n, task)
}

// EveryFrame runs task on l after every frame until cancelled.
func (s *Scheduler) EveryFrame(l lane.Lane, task func()) Handle {
	return s.frames(l, "EveryFrame").Every(task)
}

func (s *Scheduler) frames(l lane.Lane, op string) *frametask.Registry {
	reg := s.core.Frames(l)
	if reg == nil {
		panic(fault.Violation("scheduler: %s needs a frame lane (render or audio), got %s", op, l))
	}
	return reg
}

// RunNext defers task by one unit on l: the next tick for logic, the next
// frame for render and audio, a pool submission for worker.
func (s *Scheduler) RunNext(l lane.Lane, task func()) Handle {
	s.deferred.Add(1)
	switch l {
	case lane.Logic:
		return s.RunOnceNextTick(task)
	case lane.Render, lane.Audio:
		return s.RunOnceNextFrame(l, task)
	case lane.Worker:
		h := newTaskHandle(false)
		if !s.core.RunOnWorker(h.guard(task)) {
			h.Cancel()
			s.logger.Debug("worker pool rejected deferred task", "handle", h.id)
		}
		return h
	default:
		panic(fault.Violation("scheduler: RunNext with invalid lane %s", l))
	}
}

// RunOn posts task onto l without deferral. Returns false if l no longer
// accepts work.
func (s *Scheduler) RunOn(l lane.Lane, task func()) bool {
	return s.core.RunOn(l, task)
}

// RunImmediately runs task synchronously on the caller, which claims to be on
// l. A caller known to be on a different managed lane is a protocol
// violation; an unmanaged goroutine takes responsibility for thread safety.
func (s *Scheduler) RunImmediately(task func(), l lane.Lane) {
	if cur, ok := s.core.CurrentLane(); ok && cur != l {
		panic(fault.Violation("scheduler: RunImmediately for %s lane called on the %s lane", l, cur))
	}
	task()
}

// IsScheduled reports whether h is still pending.
func (s *Scheduler) IsScheduled(h Handle) bool {
	return h != nil && h.IsScheduled()
}

// Cancel cancels h. Returns false if h is nil, fired or already cancelled.
func (s *Scheduler) Cancel(h Handle) bool {
	return h != nil && h.Cancel()
}

// Close cancels every outstanding timer. Timers created afterwards are
// cancelled on creation. Frame and tick tasks die with their lanes.
func (s *Scheduler) Close() {
	s.closed.Store(true)
	s.timers.Range(func(_, v any) bool {
		v.(*taskHandle).Cancel()
		return true
	})
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	active := 0
	s.timers.Range(func(_, _ any) bool {
		active++
		return true
	})
	return Stats{
		TimersActive:    active,
		TimerFirings:    s.timerFirings.Load(),
		TimerRejections: s.timerRejections.Load(),
		Deferred:        s.deferred.Load(),
	}
}

var (
	_ Handle = (*frametask.Handle)(nil)
	_ Handle = (*taskHandle)(nil)
)
