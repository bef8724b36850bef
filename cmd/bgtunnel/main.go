// Package main is the entry point for the bgtunnel binary.
//
// bgtunnel starts an ssh local port forward as a supervised child process,
// waits until the remote side confirms the session, and keeps it up until
// interrupted. On a terminal it shows a live status view; otherwise it
// prints one line per state change.
//
// Usage:
//
//	bgtunnel deploy@db.internal -R 5432 -B 15432   # open a tunnel
//	bgtunnel command deploy@db.internal -R 5432    # print the ssh invocation
//	bgtunnel status                                # tunnels in the runtime file
//
// The CLI is constructed in internal/cli; this file only reports the final
// error and picks the exit status.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/bgtunnel/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bgtunnel:", cli.ErrorMessage(err))
		os.Exit(cli.ExitCode(err))
	}
}
