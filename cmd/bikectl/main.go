// Package main is the entry point of bikectl, the offline administration
// tool for the bicycle parking data.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/atinyakov/bicicletario/internal/cli"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := cli.NewRootCmd(version, buildDate)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
