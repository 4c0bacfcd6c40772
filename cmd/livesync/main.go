// Command livesync serves live functions and talks to a running server.
package main

import (
	"os"

	"github.com/roach88/livesync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
