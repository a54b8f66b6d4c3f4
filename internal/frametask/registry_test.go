package frametask

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/enginecore/internal/capability"
	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/mailbox"
)

func newTestRegistry(unit Unit) (*Registry, *mailbox.Mailbox, capability.Token) {
	tok := capability.New()
	mb := mailbox.New(string(unit))
	return New(unit, tok, mb), mb, tok
}

func TestAfter_FiresOnceAfterNUnits(t *testing.T) {
	r, mb, tok := newTestRegistry(Frames)

	calls := 0
	h := r.After(3, func() { calls++ })

	for i := 1; i <= 2; i++ {
		r.Advance(tok)
		mb.Drain(100)
		assert.Equal(t, 0, calls, "must not fire before frame 3 (frame %d)", i)
	}

	r.Advance(tok)
	// Due, but the body only runs on the next drain.
	assert.Equal(t, 0, calls, "body must not run inline with the sweep")
	assert.Equal(t, 1, mb.Len())

	mb.Drain(100)
	assert.Equal(t, 1, calls)

	for i := 0; i < 5; i++ {
		r.Advance(tok)
		mb.Drain(100)
	}
	assert.Equal(t, 1, calls, "one-shot task fired more than once")
	assert.False(t, h.IsScheduled())
	assert.False(t, h.IsCancelled())
	assert.Equal(t, 0, r.Len(), "fired one-shot must be purged")
}

func TestAfter_NonPositiveMeansNextUnit(t *testing.T) {
	r, mb, tok := newTestRegistry(Ticks)

	calls := 0
	r.After(0, func() { calls++ })
	r.After(-4, func() { calls++ })

	r.Advance(tok)
	mb.Drain(10)
	assert.Equal(t, 2, calls)
}

func TestEvery_FiresEachUnit(t *testing.T) {
	r, mb, tok := newTestRegistry(Ticks)

	calls := 0
	h := r.Every(func() { calls++ })
	assert.True(t, h.Recurring())

	for i := 0; i < 10; i++ {
		r.Advance(tok)
		mb.Drain(10)
	}
	assert.Equal(t, 10, calls)
	assert.True(t, h.IsScheduled())
	assert.Equal(t, uint64(10), r.Counter())
}

func TestEvery_CancelStopsFromNextSweep(t *testing.T) {
	r, mb, tok := newTestRegistry(Ticks)

	calls := 0
	var h *Handle
	h = r.Every(func() {
		calls++
		if calls == 3 {
			assert.True(t, h.Cancel())
			assert.True(t, h.IsCancelled(), "cancel must be visible immediately")
		}
	})

	for i := 0; i < 10; i++ {
		r.Advance(tok)
		mb.Drain(10)
	}

	assert.Equal(t, 3, calls)
	assert.False(t, h.Cancel(), "second cancel is a no-op")
	assert.Equal(t, 0, r.Len())
}

func TestCancel_BodyAlreadyPostedIsSkipped(t *testing.T) {
	r, mb, tok := newTestRegistry(Ticks)

	calls := 0
	h := r.Every(func() { calls++ })

	r.Advance(tok)
	require.Equal(t, 1, mb.Len())

	// Cancelled while the body sits in the mailbox.
	h.Cancel()
	mb.Drain(10)

	assert.Equal(t, 0, calls)
}

func TestCancel_OneShotBeforeDue(t *testing.T) {
	r, mb, tok := newTestRegistry(Frames)

	calls := 0
	h := r.After(2, func() { calls++ })
	r.Advance(tok)
	assert.True(t, h.Cancel())

	r.Advance(tok)
	r.Advance(tok)
	mb.Drain(10)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, r.Len())
}

func TestAdvance_RequiresToken(t *testing.T) {
	r, _, _ := newTestRegistry(Frames)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		err, ok := rec.(error)
		require.True(t, ok)
		assert.True(t, fault.IsProtocolViolation(err))
	}()
	r.Advance(capability.New())
}

func TestAdvance_IdleSweepDoesNotAllocate(t *testing.T) {
	r, _, tok := newTestRegistry(Ticks)
	allocs := testing.AllocsPerRun(100, func() { r.Advance(tok) })
	assert.Zero(t, allocs)
	assert.Equal(t, uint64(101), r.Counter())
}

func TestAdvance_ShutDownMailboxDropsBodies(t *testing.T) {
	r, mb, tok := newTestRegistry(Frames)

	r.Every(func() {})
	mb.Shutdown()

	assert.NotPanics(t, func() { r.Advance(tok) })
	st := r.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(0), st.Fired)
	assert.Equal(t, "frame", st.Unit)
}

func TestConcurrentRegistrationDuringSweeps(t *testing.T) {
	r, mb, tok := newTestRegistry(Ticks)

	const registrars = 4
	const perRegistrar = 200

	var mu sync.Mutex
	calls := 0

	var wg sync.WaitGroup
	for g := 0; g < registrars; g++ {
		wg.Go(func() {
			for i := 0; i < perRegistrar; i++ {
				r.After(1, func() {
					mu.Lock()
					calls++
					mu.Unlock()
				})
			}
		})
	}

	stop := make(chan struct{})
	sweeper := make(chan struct{})
	go func() {
		defer close(sweeper)
		for {
			select {
			case <-stop:
				return
			default:
				r.Advance(tok)
				mb.Drain(1000)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-sweeper

	// Flush anything registered after the last sweep.
	r.Advance(tok)
	mb.DrainUntilEmpty(1000, 0)

	assert.Equal(t, registrars*perRegistrar, calls)
	assert.Equal(t, 0, r.Len())
}

func TestHandleIDsAreUnique(t *testing.T) {
	r, _, _ := newTestRegistry(Frames)
	a := r.Every(func() {})
	b := r.Every(func() {})
	assert.NotEqual(t, a.ID(), b.ID())
}
