// Package main provides the entry point for multikey-bench.
//
// multikey-bench drives a MultiKeyMap with a concurrent read/write
// workload and reports throughput, table statistics and lock contention.
package main

import (
	"fmt"
	"os"

	"github.com/llxisdsh/multikey/internal/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
