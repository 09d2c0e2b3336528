package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	service "github.com/0xRichardL/vibe-voter/internal"
	"github.com/0xRichardL/vibe-voter/internal/config"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "voter").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	r, pool, err := rules.Load(cfg.RulesPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("failed to load rules")
	}
	logger.Info().
		Str("mode", string(r.Mode)).
		Object("actors", pool).
		Str("rpc", cfg.ChainRPCURL).
		Msg("rules loaded")

	app, err := service.NewApp(cfg, r, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build app")
	}

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("service exited with error")
	}
}
