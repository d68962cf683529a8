// QuoteHive runs a fleet of persona-backed Telegram quote bots behind a
// single webhook ingress: community submissions flow through rate and
// subscription gates into a moderation queue, and approved content is
// published as quotes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/quotehive/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(*configPath)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return 1
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("Application exited with error", "error", err)
		return 1
	}

	slog.Info("Shutdown complete")
	return 0
}
