package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/enginecore/internal/assets"
	"github.com/roach88/enginecore/internal/config"
	"github.com/roach88/enginecore/internal/eventbus"
	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/testutil"
	"github.com/roach88/enginecore/internal/threading"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workers = 2
	cfg.LoaderWorkers = 1
	cfg.LockOSThreads = false
	cfg.JoinTimeout = time.Second
	cfg.PoolTimeout = time.Second
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, opts ...Option) (*Engine, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{
		WithLogger(logger),
		WithCoreOptions(threading.WithClock(clk)),
	}, opts...)

	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e, clk
}

func runAsync(e *Engine, ctx context.Context, onUpdate threading.UpdateFunc) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, onUpdate) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0

	_, err := New(cfg)
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, config.ErrInvalidWorkers, cerr.Problems[0].Code)
}

func TestNew_AssignsID(t *testing.T) {
	a, _ := newEngine(t, testConfig())
	b, _ := newEngine(t, testConfig())

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID().String(), a.Stats().ID)
	assert.Equal(t, 2, a.Config().Workers)
}

func TestRun_StopsOnRequestedShutdown(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	done := runAsync(e, context.Background(), nil)

	require.Eventually(t, func() bool { return e.Core().Stats().Started }, time.Second, time.Millisecond)
	require.True(t, e.Core().RunOnLogic(func() {
		e.RequestShutdown("test over")
	}))

	require.NoError(t, waitRun(t, done))
	assert.True(t, e.Core().Stats().Stopped)
	assert.False(t, e.RequestShutdown("again"), "requests after stop are rejected")
}

func TestRun_ContextCancelled(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(e, ctx, nil)

	require.Eventually(t, func() bool { return e.Core().Stats().Started }, time.Second, time.Millisecond)
	cancel()

	err := waitRun(t, done)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.Core().Stats().Stopped)
}

func TestRun_ReturnsWhenStoppedDirectly(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	done := runAsync(e, context.Background(), nil)

	require.Eventually(t, func() bool { return e.Core().Stats().Started }, time.Second, time.Millisecond)
	require.NoError(t, e.Stop())
	assert.NoError(t, waitRun(t, done))
}

func TestStart_Twice(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Start(nil))
	assert.ErrorIs(t, e.Start(nil), ErrAlreadyStarted)
}

func TestStart_AfterStop(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Start(nil), ErrStopped)
}

func TestStop_Idempotent(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Start(nil))
	require.NoError(t, e.Stop())
	assert.NoError(t, e.Stop())
}

func TestUpdate_RunsAtFixedRate(t *testing.T) {
	e, clk := newEngine(t, testConfig())
	steps := testutil.NewRecorder[float64]()
	require.NoError(t, e.Start(func(dt float64) { steps.Add(dt) }))

	require.Eventually(t, func() bool {
		return e.Core().Stats().Loops[1].Iterations > 0
	}, time.Second, time.Millisecond)
	clk.Advance(100 * time.Millisecond)

	require.True(t, steps.WaitLen(6, 2*time.Second))
	assert.InDelta(t, 1.0/60, steps.Values()[0], 1e-9)
}

func TestThreadFailure_ShutsDownWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownOnThreadPanic = true
	seen := testutil.NewRecorder[lane.Lane]()
	e, _ := newEngine(t, cfg, WithUncaughtHandler(func(l lane.Lane, _ error) { seen.Add(l) }))
	done := runAsync(e, context.Background(), nil)

	e.handleUncaught(lane.Audio, fault.New(fault.CodeThreadFailed, lane.Audio, "loop terminated by panic"))

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, []lane.Lane{lane.Audio}, seen.Values())
	assert.Equal(t, uint64(1), e.Stats().Faults)
}

func TestThreadFailure_ContinuesByDefault(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(e, ctx, nil)

	assert.Zero(t, e.Stats().LastRequest)
	e.handleUncaught(lane.Render, fault.New(fault.CodeThreadFailed, lane.Render, "loop terminated by panic"))
	require.Eventually(t, func() bool { return e.Stats().Pending == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().LastRequest)

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
}

func TestTaskFailure_CountedNotFatal(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Start(nil))

	require.True(t, e.Core().RunOnRender(func() { panic("boom") }))
	require.Eventually(t, func() bool { return e.Stats().Faults == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Stats().Pending)
	assert.False(t, e.Core().Stats().Stopped)
}

func TestEventLanes_Applied(t *testing.T) {
	cfg := testConfig()
	cfg.EventLanes = map[string]lane.Lane{
		"asset_loaded":       lane.Render,
		"shutdown_requested": lane.Worker,
	}
	e, _ := newEngine(t, cfg)

	assert.Equal(t, lane.Render, e.Bus().LaneFor(reflect.TypeFor[AssetLoaded]()))
	assert.Equal(t, lane.Worker, e.Bus().LaneFor(reflect.TypeFor[ShutdownRequested]()))
	assert.Equal(t, eventbus.DefaultLane, e.Bus().LaneFor(reflect.TypeFor[AssetReloaded]()))
}

func TestAssetLanes_AppliedOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.AssetLanes = map[string]lane.Lane{"string": lane.Audio}
	e, _ := newEngine(t, cfg)

	created := make(chan bool, 1)
	assets.Register[string](e.Assets(), assets.Funcs[string]{
		Raw: func(context.Context, string) (any, error) { return "raw", nil },
		Create: func(_ string, raw any) (string, error) {
			created <- e.Core().IsAudioThread()
			return raw.(string), nil
		},
	}, lane.Render)
	require.NoError(t, e.Start(nil))

	v, err := assets.LoadAsync[string](e.Assets(), "a.txt").Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw", v)
	assert.True(t, <-created, "asset created on the configured lane")
}

func TestAssetEvents_PublishedOnBus(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	src := assets.SourceFunc(func(_ context.Context, name string) ([]byte, error) {
		if name == "missing" {
			return nil, assets.ErrNotFound
		}
		return []byte(name), nil
	})
	assets.Register(e.Assets(), assets.TextLoader(src), lane.Logic)

	loaded := testutil.NewRecorder[AssetLoaded]()
	eventbus.Subscribe(e.Bus(), loaded.Add)
	require.NoError(t, e.Start(nil))

	_, err := assets.LoadAsync[string](e.Assets(), "ui/title.txt").Await(context.Background())
	require.NoError(t, err)
	require.True(t, loaded.WaitLen(1, 2*time.Second))
	assert.Equal(t, "ui/title.txt", loaded.Values()[0].Path)

	_, err = assets.LoadAsync[string](e.Assets(), "missing").Await(context.Background())
	assert.True(t, errors.Is(err, assets.ErrNotFound))
}

func TestShutdownRequested_Published(t *testing.T) {
	cfg := testConfig()
	cfg.EventLanes = map[string]lane.Lane{"shutdown_requested": lane.Render}
	e, _ := newEngine(t, cfg)

	reasons := testutil.NewRecorder[string]()
	eventbus.Subscribe(e.Bus(), func(ev ShutdownRequested) { reasons.Add(ev.Reason) })
	require.NoError(t, e.Start(nil))

	require.True(t, e.RequestShutdown("quit"))
	require.True(t, reasons.WaitLen(1, 2*time.Second))
	assert.Equal(t, []string{"quit"}, reasons.Values())
	assert.Equal(t, 1, e.Stats().Pending)
}
