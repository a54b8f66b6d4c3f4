package mailbox

import (
	"sync/atomic"
	"time"

	"github.com/roach88/enginecore/internal/fault"
)

// Waiter parks one consumer goroutine until woken or a timeout expires.
//
// Wake is a no-op when nobody is parked. A wake that lands between the
// consumer's empty check and its park is not lost for longer than one
// timeout, because Park always returns when the timeout expires.
type Waiter struct {
	parked atomic.Bool
	signal chan struct{}
	timer  *time.Timer
}

// NewWaiter creates a Waiter.
func NewWaiter() *Waiter {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &Waiter{
		signal: make(chan struct{}, 1),
		timer:  t,
	}
}

// Park blocks for up to timeout or until Wake is called.
// Returns true if woken, false on timeout.
//
// Only one goroutine may park on a Waiter at a time; a concurrent second
// Park is a protocol violation.
func (w *Waiter) Park(timeout time.Duration) bool {
	if !w.parked.CompareAndSwap(false, true) {
		panic(fault.Violation("waiter: concurrent park by a second goroutine"))
	}
	defer w.parked.Store(false)

	w.timer.Reset(timeout)
	defer w.timer.Stop()

	select {
	case <-w.signal:
		return true
	case <-w.timer.C:
		return false
	}
}

// Wake unparks the parked goroutine, if any.
func (w *Waiter) Wake() {
	if !w.parked.Load() {
		return
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Parked reports whether a goroutine is currently parked.
func (w *Waiter) Parked() bool {
	return w.parked.Load()
}
