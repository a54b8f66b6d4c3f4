// Command enginecore runs and inspects the engine execution core.
package main

import (
	"os"

	"github.com/roach88/enginecore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
