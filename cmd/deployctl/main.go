package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cursiveterminal/deployctl/cmd/deployctl/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until settings are read only DEPLOYCTL_LOG_LEVEL applies.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level, err := zerolog.ParseLevel(os.Getenv("DEPLOYCTL_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The first signal cancels ctx so a running deployment stops dispatching
	// and in-flight scripts finish. stop restores default handling, so a
	// second signal terminates the process.
	go func() {
		<-ctx.Done()
		stop()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	switch {
	case err == nil:
		return 0
	case ctx.Err() != nil:
		log.Error().Err(err).Msg("Interrupted")
		return 130
	default:
		log.Error().Err(err).Msg("Command failed")
		return 1
	}
}
