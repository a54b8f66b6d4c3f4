package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaiter_ParkTimesOut(t *testing.T) {
	w := NewWaiter()

	start := time.Now()
	woken := w.Park(5 * time.Millisecond)

	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.False(t, w.Parked())
}

func TestWaiter_WakeUnparks(t *testing.T) {
	w := NewWaiter()

	result := make(chan bool, 1)
	go func() {
		result <- w.Park(5 * time.Second)
	}()

	assert.Eventually(t, w.Parked, time.Second, time.Millisecond)
	w.Wake()

	select {
	case woken := <-result:
		assert.True(t, woken)
	case <-time.After(time.Second):
		t.Fatal("park did not return after wake")
	}
}

func TestWaiter_WakeWithoutParkerIsNoop(t *testing.T) {
	w := NewWaiter()
	w.Wake()
	w.Wake()

	// No token was banked, so the park runs to its timeout.
	assert.False(t, w.Park(2*time.Millisecond))
}

func TestWaiter_ConcurrentParkIsViolation(t *testing.T) {
	w := NewWaiter()

	go w.Park(200 * time.Millisecond)
	assert.Eventually(t, w.Parked, time.Second, time.Millisecond)

	assert.Panics(t, func() { w.Park(time.Millisecond) })
	w.Wake()
}

func TestWaiter_Reusable(t *testing.T) {
	w := NewWaiter()
	for i := 0; i < 3; i++ {
		assert.False(t, w.Park(time.Millisecond))
	}
}
