package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stocklend/locatesvc/internal/audit"
	"github.com/stocklend/locatesvc/internal/auth"
	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/fees"
	api "github.com/stocklend/locatesvc/internal/interfaces/http"
	"github.com/stocklend/locatesvc/internal/metrics"
	"github.com/stocklend/locatesvc/internal/rates"
	"github.com/stocklend/locatesvc/internal/store"
	"github.com/stocklend/locatesvc/internal/store/postgres"
	"github.com/stocklend/locatesvc/internal/stream"
	"github.com/stocklend/locatesvc/internal/upstream"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the locate fee pricing API",
		Long:  "Starts the HTTP API, the WebSocket rate stream and the audit pipeline, and blocks until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	logger := newLogger(cfg.Log)
	logger.Info().Str("env", cfg.Env).Str("addr", cfg.HTTP.Addr).
		Str("version", version).Msg("Starting locatesvc")

	m := metrics.New()
	clk := clock.System()

	pg, err := postgres.NewManager(cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pg.Close()

	// Background goroutines (cache invalidation listener, L1 janitor,
	// stream hub) all hang off this context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the L2 cache, the shared rate limiter and the stream
	// relay. Without it everything degrades to a single-process mode:
	// in-memory L2, per-instance limits, local-only fan-out.
	var (
		rdb *redis.Client
		l2  cache.Level2
		uni redis.UniversalClient
	)
	if cfg.Redis.Addr != "" {
		rdb = cache.NewClient(cfg.Redis)
		if perr := rdb.Ping(ctx).Err(); perr != nil {
			logger.Warn().Err(perr).Str("addr", cfg.Redis.Addr).
				Msg("Redis unreachable at startup, continuing degraded")
		}
		l2 = cache.NewRedis(rdb, logger)
		uni = rdb
		defer rdb.Close()
	} else {
		logger.Warn().Msg("No Redis configured: cache, rate limits and stream fan-out are process-local")
		l2 = cache.NewMemoryLevel2(clk)
	}

	l1 := cache.NewMemory(cfg.Cache.L1MaxEntries, clk)
	layered := cache.NewLayered(l1, l2, cfg.Redis.InvalidationChannel, clk, m, logger)
	go layered.Listen(ctx)
	go l1.Janitor(ctx, time.Minute)
	ns := cache.NewNamespaces(cfg.Cache)

	cached := store.NewCached(pg, layered, ns, logger)

	seclend := upstream.NewSecLend(cfg.SecLend, m, logger)
	vol := upstream.NewVolatility(cfg.Volatility, m, logger)
	events := upstream.NewEvents(cfg.Events, clk, m, logger)

	var (
		hub *stream.Hub
		pub rates.Publisher
	)
	if cfg.Stream.Enabled {
		hub = stream.NewHub(cfg.Stream, uni, cfg.Redis.RatesChannel, m, logger)
		go hub.Run(ctx)
		if rdb != nil {
			pub = stream.NewRedisPublisher(rdb, cfg.Redis.RatesChannel)
		} else {
			pub = hub
		}
	}

	engine, err := rates.New(cfg.Pricing, rates.Deps{
		Store:      cached,
		Cache:      layered,
		Namespaces: ns,
		SecLend:    seclend,
		Volatility: vol,
		Events:     events,
		Publisher:  pub,
		Clock:      clk,
		Metrics:    m,
		Log:        logger,
	})
	if err != nil {
		return fmt.Errorf("pricing config: %w", err)
	}

	pipeline := audit.NewPipeline(cfg.Audit, cached, clk, m, logger)

	var streamHandler nethttp.Handler
	if hub != nil {
		streamHandler = nethttp.HandlerFunc(hub.ServeWS)
	}

	srv := api.NewServer(cfg.HTTP, api.Deps{
		Brokers:    cached,
		Rates:      engine,
		Fees:       fees.NewCalculator(cfg.Pricing.DaysInYear),
		Cache:      layered,
		Namespaces: ns,
		Audit:      pipeline,
		Auth:       auth.NewAuthenticator(cached, clk, logger),
		Limiter:    auth.NewLimiter(uni, cfg.Auth, m, logger),
		Stream:     streamHandler,
		DB:         pg,
		Breakers:   []api.BreakerHealth{seclend.Fabric(), vol.Fabric(), events.Fabric()},
		Clock:      clk,
		Metrics:    m,
		Log:        logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	// Drain in dependency order: stop accepting requests, flush the audit
	// backlog, then tear down the background workers they fed.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace())
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP drain incomplete")
	}

	auditCtx, cancelAudit := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelAudit()
	if err := pipeline.Stop(auditCtx); err != nil {
		logger.Error().Err(err).Msg("Audit pipeline stop incomplete")
	}

	cancel()
	logger.Info().Msg("Shutdown complete")
	return nil
}
