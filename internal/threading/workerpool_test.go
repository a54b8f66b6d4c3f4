package threading

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/testutil"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	p := NewWorkerPool("test", 4, nil, nil)
	p.Start()

	var n atomic.Int64
	for range 1000 {
		require.True(t, p.Submit(func() { n.Add(1) }))
	}

	p.Shutdown()
	require.NoError(t, p.AwaitTermination(time.Second))
	assert.Equal(t, int64(1000), n.Load())

	st := p.Stats()
	assert.Equal(t, uint64(1000), st.Submitted)
	assert.Equal(t, uint64(1000), st.Completed)
	assert.False(t, st.Running)
}

func TestWorkerPool_QueuedBeforeStartRuns(t *testing.T) {
	p := NewWorkerPool("test", 1, nil, nil)
	done := make(chan struct{})
	require.True(t, p.Submit(func() { close(done) }))

	p.Start()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task queued before Start never ran")
	}
	p.Shutdown()
	require.NoError(t, p.AwaitTermination(time.Second))
}

func TestWorkerPool_Owns(t *testing.T) {
	p := NewWorkerPool("test", 2, nil, nil)
	p.Start()
	defer p.Shutdown()

	inside := make(chan bool, 1)
	p.Submit(func() { inside <- p.Owns() })

	assert.True(t, <-inside)
	assert.False(t, p.Owns())
}

func TestWorkerPool_PanicGoesToHandler(t *testing.T) {
	errs := testutil.NewRecorder[error]()
	p := NewWorkerPool("test", 1, errs.Add, nil)
	p.Start()

	p.Submit(func() { panic("boom") })
	ran := make(chan struct{})
	p.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking task")
	}
	require.True(t, errs.WaitLen(1, time.Second))
	assert.True(t, fault.IsTaskFailure(errs.Values()[0]))
	assert.Equal(t, uint64(1), p.Stats().Failed)

	p.Shutdown()
	require.NoError(t, p.AwaitTermination(time.Second))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	p := NewWorkerPool("test", 1, nil, nil)
	p.Start()
	p.Shutdown()

	assert.False(t, p.Submit(func() {}))
	require.NoError(t, p.AwaitTermination(time.Second))
}

func TestWorkerPool_AwaitTerminationTimesOut(t *testing.T) {
	p := NewWorkerPool("test", 1, nil, nil)
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started
	p.Shutdown()

	err := p.AwaitTermination(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, fault.IsTimeout(err))

	close(release)
	require.NoError(t, p.AwaitTermination(time.Second))
}

func TestSubmitFuture(t *testing.T) {
	p := NewWorkerPool("test", 2, nil, nil)
	p.Start()
	defer p.Shutdown()

	t.Run("value", func(t *testing.T) {
		f := SubmitFuture(p, func() (int, error) { return 42, nil })
		v, err := f.Await(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("error", func(t *testing.T) {
		want := errors.New("nope")
		f := SubmitFuture(p, func() (int, error) { return 0, want })
		_, err := f.Await(t.Context())
		assert.ErrorIs(t, err, want)
	})

	t.Run("panic", func(t *testing.T) {
		f := SubmitFuture(p, func() (int, error) { panic("kaboom") })
		_, err := f.Await(t.Context())
		assert.True(t, fault.IsTaskFailure(err))
	})
}

func TestSubmitFuture_Rejected(t *testing.T) {
	p := NewWorkerPool("test", 1, nil, nil)
	p.Shutdown()

	f := SubmitFuture(p, func() (int, error) { return 1, nil })
	require.True(t, f.IsDone())
	assert.True(t, fault.IsRejected(f.Err()))
}
