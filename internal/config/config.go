// Package config loads and validates engine configuration.
//
// A config file is YAML. Loading expands ${VAR} references from the
// environment, checks the document against an embedded CUE schema, decodes
// it over the defaults, and finally runs Go-side validation.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/threading"
)

//go:embed schema.cue
var schemaCUE string

// Config is the engine configuration.
type Config struct {
	Workers               int                  `yaml:"workers" json:"workers"`
	LogicHz               float64              `yaml:"logic_hz" json:"logic_hz"`
	MaxCatchUpSteps       int                  `yaml:"max_catch_up_steps" json:"max_catch_up_steps"`
	DrainBatch            int                  `yaml:"drain_batch" json:"drain_batch"`
	ParkTimeout           time.Duration        `yaml:"park_timeout" json:"park_timeout"`
	JoinTimeout           time.Duration        `yaml:"join_timeout" json:"join_timeout"`
	PoolTimeout           time.Duration        `yaml:"pool_timeout" json:"pool_timeout"`
	LoaderWorkers         int                  `yaml:"loader_workers" json:"loader_workers"`
	LockOSThreads         bool                 `yaml:"lock_os_threads" json:"lock_os_threads"`
	ShutdownOnThreadPanic bool                 `yaml:"shutdown_on_thread_panic" json:"shutdown_on_thread_panic"`
	LogLevel              string               `yaml:"log_level" json:"log_level"`
	AssetLanes            map[string]lane.Lane `yaml:"asset_lanes" json:"asset_lanes,omitempty"`
	EventLanes            map[string]lane.Lane `yaml:"event_lanes" json:"event_lanes,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	tc := threading.DefaultConfig()
	return Config{
		Workers:               tc.Workers,
		LogicHz:               tc.LogicHz,
		MaxCatchUpSteps:       tc.MaxCatchUpSteps,
		DrainBatch:            tc.DrainBatch,
		ParkTimeout:           tc.ParkTimeout,
		JoinTimeout:           tc.JoinTimeout,
		PoolTimeout:           tc.PoolTimeout,
		LoaderWorkers:         2,
		LockOSThreads:         tc.LockOSThreads,
		ShutdownOnThreadPanic: false,
		LogLevel:              "info",
	}
}

// Load reads, checks and decodes the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse checks and decodes a YAML document. name labels diagnostics.
func Parse(name string, data []byte) (Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	if err := checkSchema(name, expanded); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", name, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, &Error{Name: name, Problems: errs}
	}
	return cfg, nil
}

// checkSchema validates the document against #Config.
func checkSchema(name string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &Error{Name: name, Problems: []ValidationError{{
			Field:   "schema",
			Message: strings.TrimSpace(err.Error()),
			Code:    ErrSchemaViolation,
		}}}
	}
	return nil
}

// Threading returns the threading core parameters.
func (c Config) Threading() threading.Config {
	return threading.Config{
		Workers:         c.Workers,
		LogicHz:         c.LogicHz,
		MaxCatchUpSteps: c.MaxCatchUpSteps,
		DrainBatch:      c.DrainBatch,
		ParkTimeout:     c.ParkTimeout,
		JoinTimeout:     c.JoinTimeout,
		PoolTimeout:     c.PoolTimeout,
		LockOSThreads:   c.LockOSThreads,
	}
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
