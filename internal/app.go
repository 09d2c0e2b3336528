package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/chain"
	"github.com/0xRichardL/vibe-voter/internal/config"
	"github.com/0xRichardL/vibe-voter/internal/kafka"
	"github.com/0xRichardL/vibe-voter/internal/rest"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/services"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/0xRichardL/vibe-voter/internal/store"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// App centralizes dependency wiring for the voter service.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	client     *chain.Client
	wallet     *chain.Wallet
	redis      *redis.Client
	checkpoint *store.CheckpointStore
	publisher  *kafka.OutcomePublisher
	engine     *services.Engine
	dispatcher *services.Dispatcher

	httpServer *http.Server
}

// NewApp builds an App with all required dependencies. Redis and Kafka are
// optional and only wired when configured.
func NewApp(cfg config.Config, r rules.Rules, pool rules.ActorPool, logger zerolog.Logger) (*App, error) {
	chainTransport, err := chain.NewTransport(cfg.ChainRPCURL, cfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("chain transport: %w", err)
	}
	walletTransport, err := chain.NewTransport(cfg.WalletRPCURL, cfg.RPCTimeout)
	if err != nil {
		_ = chainTransport.Close()
		return nil, fmt.Errorf("wallet transport: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		client: chain.NewClient(chainTransport),
		wallet: chain.NewWallet(walletTransport, cfg.WalletPassword),
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.checkpoint = store.NewCheckpointStore(a.redis, cfg.CheckpointKey)
	}

	deps := services.EngineDeps{
		Rules:       r,
		Pool:        pool,
		Ledger:      a.client,
		Broadcaster: a.wallet,
		State:       state.NewStore(),
		Logger:      logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.publisher = kafka.NewOutcomePublisher(cfg)
		deps.Outcomes = a.publisher
	}
	a.engine = services.NewEngine(deps)
	return a, nil
}

// Run starts background services and blocks until ctx cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.cleanup()

	a.dispatcher = services.NewDispatcher(ctx, a.engine, a.logger)

	// The replay ends and the live stream starts at the same head, so no
	// block falls between them.
	head, err := services.WaitForHead(ctx, a.client, nil, a.cfg.StreamRetryDelay, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info().Uint64("head", head).Msg("starting from last irreversible block")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		streamCfg := services.StreamServiceConfig{RetryDelay: a.cfg.StreamRetryDelay, From: head + 1}
		if a.checkpoint != nil {
			streamCfg.Checkpoint = a.checkpoint
		}
		streamer := chain.NewStreamer(a.client, a.cfg.StreamPollInterval)
		svc := services.NewStreamService(a.client, streamer, a.dispatcher, nil, streamCfg, a.logger)
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stream service: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.runReplay(gctx, head)
		return nil
	})

	g.Go(func() error {
		return services.NewReporter(a.dispatcher, a.cfg.StatusInterval, a.logger).Run(gctx)
	})

	g.Go(func() error {
		return a.runHTTPServer(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// runReplay recovers events from before startup, up to head. Failures are
// logged only.
func (a *App) runReplay(ctx context.Context, head uint64) {
	depth := a.cfg.ReplayDepth
	if depth == 0 && a.cfg.ReplayFromCheckpoint && a.checkpoint != nil {
		d, err := services.DepthFromCheckpoint(ctx, a.checkpoint, head, a.cfg.MaxReplayDepth)
		if err != nil {
			a.logger.Warn().Err(err).Msg("replay depth from checkpoint")
			return
		}
		depth = d
	}
	if depth == 0 {
		return
	}
	replay := services.NewReplayDriver(a.client, a.dispatcher, nil, a.logger)
	if _, err := replay.ReplayTo(ctx, head, depth); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Uint64("depth", depth).Msg("replay failed")
	}
}

func (a *App) runHTTPServer(ctx context.Context) error {
	r, srv := rest.NewServer(a.cfg, a.logger)
	a.httpServer = srv
	statusController := rest.NewStatusController(a.dispatcher)
	statusController.RegisterStatusRoutes(r.Group(""))

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	// App context shutdown:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		err := <-serverErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	// HTTP server error:
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (a *App) cleanup() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Shutdown(); err != nil {
			a.logger.Error().Err(err).Msg("error stopping vote workflows")
		}
	}
	a.engine.Close()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error().Err(err).Msg("error closing Kafka publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("error closing Redis client")
		}
	}
	if err := a.wallet.Close(); err != nil {
		a.logger.Error().Err(err).Msg("error closing wallet transport")
	}
	if err := a.client.Close(); err != nil {
		a.logger.Error().Err(err).Msg("error closing chain transport")
	}
}
