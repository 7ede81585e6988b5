// Command manticore runs and administers the manticore control plane.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manticore/manticore/cmd/manticore/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	bootstrapLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("manticore failed")
		os.Exit(1)
	}
}

// bootstrapLogger sets up the global logger used until telemetry is
// configured. MANTICORE_LOG_LEVEL applies from the first line on.
func bootstrapLogger() {
	level := zerolog.InfoLevel
	if v := os.Getenv("MANTICORE_LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
