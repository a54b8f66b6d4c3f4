package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/enginecore/internal/assetpack"
)

// PackOptions holds flags for the pack command.
type PackOptions struct {
	*RootOptions
	Out string
}

// PackResult is the pack command output.
type PackResult struct {
	Pack string `json:"pack"`
	assetpack.BuildResult
	Entries int `json:"entries"`
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build a SQLite asset pack from a directory",
		Long: `Copy every regular file under a directory into a SQLite asset pack.

Asset names are the normalized paths relative to the directory. Rebuilding
an existing pack only rewrites files whose content changed.

Example:
  enginecore pack ./assets --out assets.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "path to the SQLite pack (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runPack(opts *PackOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return formatter.fail(ExitCommandError, ErrCodeAssetsDir, fmt.Sprintf("not a directory: %s", dir), err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pack, err := assetpack.Open(opts.Out)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodePack, "failed to open pack", err)
	}
	defer pack.Close()

	formatter.VerboseLog("Packing %s into %s", dir, opts.Out)
	res, err := pack.BuildFromDir(ctx, dir)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodePack, "failed to build pack", err)
	}
	entries, err := pack.Entries(ctx)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodePack, "failed to read pack", err)
	}

	out := PackResult{Pack: opts.Out, BuildResult: res, Entries: len(entries)}
	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	fmt.Fprintf(formatter.Writer, "✓ Packed %d file(s) into %s (%d written, %d bytes, %d total entries)\n",
		res.Files, opts.Out, res.Written, res.Bytes, out.Entries)
	return nil
}
