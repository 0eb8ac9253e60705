package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/eagraf/habitat-runtime/internal/config"
	"github.com/eagraf/habitat-runtime/internal/daemon"
	"github.com/eagraf/habitat-runtime/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	runtimeConfig, err := config.NewRuntimeConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading runtime config")
	}

	logger, err := logging.NewLoggerFromString(runtimeConfig.LogLevel())
	if err != nil {
		log.Fatal().Err(err).Msg("error configuring logger")
	}

	d, err := daemon.New(runtimeConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("error setting up runtime daemon")
	}
	defer d.Close()

	// ctx.Done() returns when SIGINT or SIGTERM is received.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("runtime daemon exited with error")
		d.Close()
		os.Exit(1)
	}
}
