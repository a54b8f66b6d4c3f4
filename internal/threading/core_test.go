package threading

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/enginecore/internal/capability"
	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/testutil"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.JoinTimeout = time.Second
	cfg.PoolTimeout = time.Second
	return cfg
}

type harness struct {
	tok   capability.Token
	core  *Core
	clock *testutil.ManualClock
	errs  *testutil.Recorder[error]
}

// newHarness builds an initialized, unstarted core on a manual clock.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tok:   capability.New(),
		clock: testutil.NewManualClock(0),
		errs:  testutil.NewRecorder[error](),
	}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.core = New(h.tok, testConfig(), opts...)
	require.NoError(t, h.core.Init(h.tok, func(_ lane.Lane, err error) { h.errs.Add(err) }))
	t.Cleanup(func() { _ = h.core.Stop() })
	return h
}

func (h *harness) start(t *testing.T, onUpdate UpdateFunc) {
	t.Helper()
	require.NoError(t, h.core.Start(h.tok, onUpdate))
}

// runOn executes fn on lane l and waits for it.
func runOn(t *testing.T, c *Core, l lane.Lane, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, c.RunOn(l, func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("task on %s did not run", l)
	}
}

// waitLogicBaseline blocks until the logic loop has sampled the clock once.
func waitLogicBaseline(t *testing.T, c *Core) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Stats().Loops[1].Iterations > 0
	}, waitFor, time.Millisecond)
}

func TestCore_Lifecycle(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.core.Init(h.tok, nil), ErrAlreadyInitialized)

	h.start(t, nil)
	assert.ErrorIs(t, h.core.Start(h.tok, nil), ErrAlreadyStarted)

	require.NoError(t, h.core.Stop())
	require.NoError(t, h.core.Stop(), "Stop must be idempotent")

	st := h.core.Stats()
	assert.True(t, st.Started)
	assert.True(t, st.Stopped)
	for _, l := range st.Loops {
		assert.False(t, l.Mailbox.Accepting, l.Lane)
	}
	assert.False(t, st.Pool.Running)
}

func TestCore_StartAfterStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.Stop())
	assert.ErrorIs(t, h.core.Start(h.tok, nil), ErrStopped)
}

func TestCore_PrivilegedOpsNeedToken(t *testing.T) {
	h := newHarness(t)
	foreign := capability.New()

	assert.Panics(t, func() { _ = h.core.Start(foreign, nil) })
	assert.Panics(t, func() { _ = h.core.Init(capability.Token{}, nil) })
}

func TestCore_ThreadIdentity(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)
	c := h.core

	type identity struct {
		render, logic, audio, worker bool
		current                      lane.Lane
	}
	observe := func() identity {
		cur, _ := c.CurrentLane()
		return identity{c.IsRenderThread(), c.IsLogicThread(), c.IsAudioThread(), c.IsWorkerThread(), cur}
	}

	var got identity
	runOn(t, c, lane.Render, func() { got = observe() })
	assert.Equal(t, identity{render: true, current: lane.Render}, got)

	runOn(t, c, lane.Logic, func() { got = observe() })
	assert.Equal(t, identity{logic: true, current: lane.Logic}, got)

	runOn(t, c, lane.Audio, func() { got = observe() })
	assert.Equal(t, identity{audio: true, current: lane.Audio}, got)

	runOn(t, c, lane.Worker, func() { got = observe() })
	assert.Equal(t, identity{worker: true, current: lane.Worker}, got)

	assert.Equal(t, identity{}, observe())
	_, ok := c.CurrentLane()
	assert.False(t, ok)
}

func TestCore_IdentityClearedAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)
	require.NoError(t, h.core.Stop())

	for _, l := range h.core.loops {
		assert.Zero(t, l.gid.Load(), l.lane.String())
	}
}

func TestCore_MustBeOn(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)
	c := h.core

	assert.Panics(t, func() { c.MustBeOn(lane.Render, "draw") })

	var panicked atomic.Bool
	runOn(t, c, lane.Render, func() {
		defer func() {
			if recover() != nil {
				panicked.Store(true)
			}
		}()
		c.MustBeOn(lane.Render, "draw")
	})
	assert.False(t, panicked.Load())

	runOn(t, c, lane.Audio, func() {
		defer func() {
			r := recover()
			err, ok := r.(error)
			panicked.Store(ok && fault.IsProtocolViolation(err))
		}()
		c.MustBeOn(lane.Render, "draw")
	})
	assert.True(t, panicked.Load())
}

func TestCore_PerLaneFIFO(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)

	for _, l := range []lane.Lane{lane.Render, lane.Logic, lane.Audio} {
		rec := testutil.NewRecorder[int]()
		for i := range 200 {
			require.True(t, h.core.RunOn(l, func() { rec.Add(i) }))
		}
		require.True(t, rec.WaitLen(200, waitFor), l.String())

		for i, v := range rec.Values() {
			require.Equal(t, i, v, l.String())
		}
	}
}

func TestCore_WorkPostedBeforeStartRuns(t *testing.T) {
	h := newHarness(t)

	ran := testutil.NewRecorder[lane.Lane]()
	h.core.RunOnRender(func() { ran.Add(lane.Render) })
	h.core.RunOnLogic(func() { ran.Add(lane.Logic) })
	h.core.RunOnAudio(func() { ran.Add(lane.Audio) })
	h.core.RunOnWorker(func() { ran.Add(lane.Worker) })

	h.start(t, nil)
	require.True(t, ran.WaitLen(4, waitFor))
	assert.ElementsMatch(t, lane.All, ran.Values())
}

func TestCore_PostAfterStopRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)
	require.NoError(t, h.core.Stop())

	for _, l := range lane.All {
		assert.False(t, h.core.RunOn(l, func() {}), l.String())
	}
}

func TestCore_TaskPanicReachesHandler(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)

	h.core.RunOnRender(func() { panic("bad draw call") })
	runOn(t, h.core, lane.Render, func() {})

	require.True(t, h.errs.WaitLen(1, waitFor))
	assert.True(t, fault.IsTaskFailure(h.errs.Values()[0]))
}

func TestCore_FixedStepUpdates(t *testing.T) {
	h := newHarness(t)

	deltas := testutil.NewRecorder[float64]()
	h.start(t, func(dt float64) { deltas.Add(dt) })
	waitLogicBaseline(t, h.core)

	h.clock.Advance(250 * time.Millisecond)
	require.True(t, deltas.WaitLen(15, waitFor))

	// Let a few more iterations pass with the clock frozen.
	runOn(t, h.core, lane.Logic, func() {})
	runOn(t, h.core, lane.Logic, func() {})

	assert.Len(t, deltas.Values(), 15)
	for _, dt := range deltas.Values() {
		assert.InDelta(t, 1.0/60.0, dt, 1e-12)
	}
	assert.Equal(t, uint64(15), h.core.Ticks().Counter())
}

func TestCore_UpdatePanicDoesNotStopLogic(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int64
	h.start(t, func(float64) {
		if calls.Add(1) == 1 {
			panic("first update fails")
		}
	})
	waitLogicBaseline(t, h.core)

	h.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 6 }, waitFor, time.Millisecond)

	require.True(t, h.errs.WaitLen(1, waitFor))
	assert.True(t, fault.IsTaskFailure(h.errs.Values()[0]))
	require.Eventually(t, func() bool { return h.core.Ticks().Counter() == 6 }, waitFor, time.Millisecond)
}

func TestCore_TickTasksRunOnLogic(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)
	waitLogicBaseline(t, h.core)

	onLogic := make(chan bool, 1)
	h.core.Ticks().After(2, func() { onLogic <- h.core.IsLogicThread() })

	h.clock.Advance(h.core.step.Step())
	select {
	case <-onLogic:
		t.Fatal("fired after one tick")
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(h.core.step.Step())
	select {
	case ok := <-onLogic:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("tick task never ran")
	}
}

func TestCore_FrameHookAndFrameTasks(t *testing.T) {
	var hookCalls atomic.Int64
	h := newHarness(t, WithFrameHook(lane.Render, func() { hookCalls.Add(1) }))
	h.start(t, nil)

	frames := h.core.Frames(lane.Render)
	require.NotNil(t, frames)
	assert.Nil(t, h.core.Frames(lane.Logic))

	onRender := make(chan bool, 1)
	frames.After(3, func() { onRender <- h.core.IsRenderThread() })

	select {
	case ok := <-onRender:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("frame task never ran")
	}
	assert.GreaterOrEqual(t, hookCalls.Load(), int64(3))
}

func TestCore_FrameHookPanicIsReported(t *testing.T) {
	var once atomic.Bool
	h := newHarness(t, WithFrameHook(lane.Audio, func() {
		if once.CompareAndSwap(false, true) {
			panic("device lost")
		}
	}))
	h.start(t, nil)

	require.True(t, h.errs.WaitLen(1, waitFor))
	assert.True(t, fault.IsTaskFailure(h.errs.Values()[0]))
	runOn(t, h.core, lane.Audio, func() {})
}

func TestCore_StopFromLogicLane(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)

	result := make(chan error, 1)
	h.core.RunOnLogic(func() { result <- h.core.Stop() })

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop from the logic lane deadlocked")
	}
	require.Eventually(t, func() bool {
		select {
		case <-h.core.loops[lane.Logic].done:
			return true
		default:
			return false
		}
	}, waitFor, time.Millisecond)
}

func TestCore_StopJoinTimeout(t *testing.T) {
	tok := capability.New()
	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond
	c := New(tok, cfg)
	require.NoError(t, c.Start(tok, nil))

	release := make(chan struct{})
	blocked := make(chan struct{})
	c.RunOnAudio(func() {
		close(blocked)
		<-release
	})
	<-blocked

	err := c.Stop()
	close(release)

	require.Error(t, err)
	assert.True(t, fault.IsTimeout(err))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, lane.Audio, fe.Lane)
}

func TestCore_Submit(t *testing.T) {
	h := newHarness(t)
	h.start(t, nil)

	f := Submit(h.core, func() (string, error) {
		if !h.core.IsWorkerThread() {
			return "", errors.New("not on a worker")
		}
		return "decoded", nil
	})
	v, err := f.Await(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "decoded", v)
}

func TestCore_StopWithoutStartSettlesWorkerTasks(t *testing.T) {
	h := newHarness(t)

	f := Submit(h.core, func() (string, error) { return "decoded", nil })
	var ran atomic.Bool
	require.True(t, h.core.RunOnWorker(func() { ran.Store(true) }))
	require.True(t, h.core.RunOnRender(func() { t.Error("render task ran without a render loop") }))

	require.NoError(t, h.core.Stop())

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	v, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "decoded", v)
	assert.True(t, ran.Load())
	assert.False(t, h.core.RunOnWorker(func() {}))
	assert.Equal(t, uint64(2), h.core.Stats().Pool.Completed)
}

func TestCore_InvalidLanePanics(t *testing.T) {
	h := newHarness(t)
	assert.Panics(t, func() { h.core.RunOn(lane.Lane(0), func() {}) })
}
