package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/enginecore/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Config *config.Config           `json:"config,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate an engine config file",
		Long: `Validate an engine configuration file without starting the engine.

The file is expanded against the environment (after loading the optional
dotenv file), checked against the embedded CUE schema, decoded over the
defaults and checked again for cross-field problems. On success the
effective configuration is printed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if err := loadDotEnv(opts.EnvFile); err != nil {
		return formatter.fail(ExitCommandError, ErrCodeEnvFile, "failed to load env file", err)
	}

	formatter.VerboseLog("Validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputConfigError(formatter, err)
	}

	return outputValidateSuccess(formatter, cfg)
}

// outputConfigError reports a config load failure. Validation problems are
// exit code 1, anything else (missing file, YAML syntax) is a command error.
func outputConfigError(formatter *OutputFormatter, err error) error {
	var cerr *config.Error
	if errors.As(err, &cerr) {
		return outputValidationErrors(formatter, cerr.Problems)
	}
	return formatter.fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, cfg config.Config) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Config: &cfg})
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintln(formatter.Writer)
	writeConfig(formatter.Writer, cfg)
	return nil
}

// writeConfig prints the effective configuration, one setting per line.
func writeConfig(w io.Writer, cfg config.Config) {
	row := func(name string, v any) {
		fmt.Fprintf(w, "  %-26s %v\n", name, v)
	}
	row("workers", cfg.Workers)
	row("logic_hz", cfg.LogicHz)
	row("max_catch_up_steps", cfg.MaxCatchUpSteps)
	row("drain_batch", cfg.DrainBatch)
	row("park_timeout", cfg.ParkTimeout)
	row("join_timeout", cfg.JoinTimeout)
	row("pool_timeout", cfg.PoolTimeout)
	row("loader_workers", cfg.LoaderWorkers)
	row("lock_os_threads", cfg.LockOSThreads)
	row("shutdown_on_thread_panic", cfg.ShutdownOnThreadPanic)
	row("log_level", cfg.LogLevel)
	for _, name := range slices.Sorted(maps.Keys(cfg.AssetLanes)) {
		row("asset_lanes."+name, cfg.AssetLanes[name])
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.EventLanes)) {
		row("event_lanes."+name, cfg.EventLanes[name])
	}
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []config.ValidationError) error {
	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:  false,
			Errors: errs,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
