package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handle is the cancellation handle shared by timer, frame, tick and worker
// scheduling. Cancel is an idempotent compare-and-set; a cancel that loses
// the race to dispatch is a no-op for the already-queued body only if the
// body re-checks, which every body wrapped by this package does.
type Handle interface {
	ID() uuid.UUID
	Cancel() bool
	IsCancelled() bool
	IsScheduled() bool
}

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// taskHandle backs timer-driven and worker-submitted tasks.
type taskHandle struct {
	id       uuid.UUID
	periodic bool
	state    atomic.Int32

	mu    sync.Mutex
	timer *time.Timer
	next  time.Time // next fixed-rate deadline

	onCancel func(*taskHandle)
}

func newTaskHandle(periodic bool) *taskHandle {
	return &taskHandle{id: uuid.Must(uuid.NewV7()), periodic: periodic}
}

func (h *taskHandle) ID() uuid.UUID {
	return h.id
}

// Cancel stops the timer, if any, and marks the handle cancelled.
// Returns false if the task already fired or was cancelled.
func (h *taskHandle) Cancel() bool {
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	if h.onCancel != nil {
		h.onCancel(h)
	}
	return true
}

func (h *taskHandle) IsCancelled() bool {
	return h.state.Load() == stateCancelled
}

func (h *taskHandle) IsScheduled() bool {
	return h.state.Load() == statePending
}

// claim transitions a one-shot handle to fired. Only the winner runs the body.
func (h *taskHandle) claim() bool {
	if h.periodic {
		return h.state.Load() == statePending
	}
	return h.state.CompareAndSwap(statePending, stateFired)
}

// abandon marks a handle whose task can no longer be delivered as cancelled.
func (h *taskHandle) abandon() {
	h.state.CompareAndSwap(statePending, stateCancelled)
}

// guard wraps task so it only runs if the handle can still be claimed.
func (h *taskHandle) guard(task func()) func() {
	return func() {
		if h.claim() {
			task()
		}
	}
}
