package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/enginecore/internal/assetpack"
	"github.com/roach88/enginecore/internal/assets"
	"github.com/roach88/enginecore/internal/config"
	"github.com/roach88/enginecore/internal/engine"
	"github.com/roach88/enginecore/internal/eventbus"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/scheduler"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Duration time.Duration
	LogicHz  float64
	Assets   string
	Watch    bool
	Pack     string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine with the demo application",
		Long: `Boot the engine and run the demo application until the duration
elapses or the process receives SIGINT/SIGTERM.

The demo publishes a heartbeat event at 1 Hz, counts logic ticks and render
frames, and optionally preloads every asset from a directory (--assets) or a
SQLite asset pack (--pack). With --watch, changed files under --assets are
hot-reloaded. Final runtime stats are printed on exit.

Example:
  enginecore run --duration 5s
  enginecore run --config engine.yaml --assets ./assets --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to engine config (YAML)")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().Float64Var(&opts.LogicHz, "hz", 0, "override logic_hz")
	cmd.Flags().StringVar(&opts.Assets, "assets", "", "directory to preload assets from")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "hot-reload assets changed under --assets")
	cmd.Flags().StringVar(&opts.Pack, "pack", "", "SQLite asset pack to preload assets from")
	cmd.MarkFlagsMutuallyExclusive("assets", "pack")

	return cmd
}

// Heartbeat is the demo's 1 Hz event.
type Heartbeat struct {
	Seq  uint64
	Tick uint64
}

// RunSummary is printed when the engine stops.
type RunSummary struct {
	Heartbeats    uint64       `json:"heartbeats"`
	Steps         uint64       `json:"steps"`
	Ticks         uint64       `json:"ticks"`
	Frames        uint64       `json:"frames"`
	Preloaded     int          `json:"preloaded"`
	PreloadFailed int          `json:"preload_failed"`
	Reloaded      uint64       `json:"reloaded"`
	Stats         engine.Stats `json:"stats"`
}

// demo is the application driven by the run command.
type demo struct {
	eng    *engine.Engine
	logger *slog.Logger

	steps      atomic.Uint64
	ticks      atomic.Uint64
	frames     atomic.Uint64
	heartbeats atomic.Uint64
	reloaded   atomic.Uint64

	handles []scheduler.Handle
	subs    []*eventbus.Subscription
}

func newDemo(eng *engine.Engine, logger *slog.Logger) *demo {
	d := &demo{eng: eng, logger: logger}
	sched, bus := eng.Scheduler(), eng.Bus()

	d.subs = append(d.subs,
		eventbus.Subscribe(bus, func(hb Heartbeat) {
			d.heartbeats.Add(1)
			logger.Info("heartbeat", "seq", hb.Seq, "tick", hb.Tick, "frames", d.frames.Load())
		}),
		eventbus.Subscribe(bus, func(ev engine.AssetReloaded) {
			d.reloaded.Add(1)
			logger.Info("asset reloaded", "path", ev.Path, "type", ev.Type)
		}),
	)

	var seq atomic.Uint64
	d.handles = append(d.handles,
		sched.ScheduleAtHz(1, func() {
			bus.Publish(Heartbeat{Seq: seq.Add(1), Tick: d.ticks.Load()})
		}),
		sched.EveryTick(func() { d.ticks.Add(1) }),
		sched.EveryFrame(lane.Render, func() { d.frames.Add(1) }),
	)
	return d
}

// update is the fixed-step logic callback.
func (d *demo) update(float64) {
	d.steps.Add(1)
}

// preload loads every asset src lists and waits for all of them.
func (d *demo) preload(ctx context.Context, src assets.Lister) (loaded, failed int, err error) {
	names, err := src.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	handles := make([]*assets.Handle[[]byte], 0, len(names))
	for _, name := range names {
		handles = append(handles, assets.Acquire[[]byte](d.eng.Assets(), name))
	}
	for _, h := range handles {
		if _, err := h.Await(ctx); err != nil {
			if ctx.Err() != nil {
				return loaded, failed, ctx.Err()
			}
			d.logger.Warn("asset preload failed", "path", h.Path(), "error", err)
			failed++
			continue
		}
		loaded++
	}
	return loaded, failed, nil
}

func (d *demo) close() {
	for _, h := range d.handles {
		h.Cancel()
	}
	for _, s := range d.subs {
		s.Cancel()
	}
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if err := loadDotEnv(opts.EnvFile); err != nil {
		return formatter.fail(ExitCommandError, ErrCodeEnvFile, "failed to load env file", err)
	}

	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return outputConfigError(formatter, err)
		}
	}
	if opts.LogicHz > 0 {
		cfg.LogicHz = opts.LogicHz
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr(), cfg.SlogLevel())
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var src assets.Source
	switch {
	case opts.Assets != "":
		info, err := os.Stat(opts.Assets)
		if err != nil || !info.IsDir() {
			return formatter.fail(ExitCommandError, ErrCodeAssetsDir, fmt.Sprintf("not a directory: %s", opts.Assets), err)
		}
		src = assets.NewDirSource(opts.Assets)
	case opts.Pack != "":
		pack, err := assetpack.Open(opts.Pack)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodePack, "failed to open pack", err)
		}
		defer func() {
			if closeErr := pack.Close(); closeErr != nil {
				logger.Error("error closing pack", "error", closeErr)
			}
		}()
		src = pack
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return outputConfigError(formatter, err)
	}
	d := newDemo(eng, logger)
	defer d.close()

	if src != nil {
		assets.Register(eng.Assets(), assets.BytesLoader(src), lane.Render)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if err := eng.Start(d.update); err != nil {
		_ = eng.Stop()
		return formatter.fail(ExitFailure, ErrCodeEngine, "failed to start engine", err)
	}
	if opts.Duration > 0 {
		eng.Scheduler().Schedule(opts.Duration, func() {
			eng.RequestShutdown("duration elapsed")
		})
	}

	var summary RunSummary
	if lister, ok := src.(assets.Lister); ok {
		loaded, failed, err := d.preload(ctx, lister)
		if err != nil && ctx.Err() == nil {
			logger.Warn("asset preload aborted", "error", err)
		}
		summary.Preloaded, summary.PreloadFailed = loaded, failed
		logger.Info("assets preloaded", "loaded", loaded, "failed", failed)
	}

	if opts.Watch && opts.Assets != "" {
		w, err := assets.NewWatcher(opts.Assets, func(path string) {
			n := eng.Assets().ReloadPath(path)
			logger.Debug("asset changed", "path", path, "reloads", n)
		}, assets.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("hot reload disabled", "error", err)
		} else {
			defer w.Close()
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("asset watcher stopped", "error", err)
				}
			}()
		}
	}

	logger.Info("engine running", "engine", eng.ID().String(), "duration", opts.Duration)
	runErr := eng.Run(ctx, nil)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		logger.Warn("engine stopped with errors", "error", runErr)
	}

	summary.Heartbeats = d.heartbeats.Load()
	summary.Steps = d.steps.Load()
	summary.Ticks = d.ticks.Load()
	summary.Frames = d.frames.Load()
	summary.Reloaded = d.reloaded.Load()
	summary.Stats = eng.Stats()

	if formatter.Format == "json" {
		if err := writeJSON(formatter.Writer, CLIResponse{Status: "ok", Data: summary, EngineID: summary.Stats.ID}); err != nil {
			return err
		}
	} else if err := renderSummary(formatter.Writer, summary); err != nil {
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine stopped with errors", runErr)
	}
	return nil
}
