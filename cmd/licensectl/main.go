package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/licensekit/licensectl/cmd/licensectl/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Ctrl+C aborts a login prompt or a pending request and drains `proxy start`.
	// A refresh already on the wire still completes so rotated tokens are kept.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, os.Args, version, commit); err != nil {
		slog.ErrorContext(ctx, "licensectl failed", "error", err)
		os.Exit(1)
	}
}
