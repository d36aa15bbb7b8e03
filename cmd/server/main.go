package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ctf-arena/internal/api"
	"ctf-arena/internal/cache"
	"ctf-arena/internal/config"
	"ctf-arena/internal/container"
	"ctf-arena/internal/events"
	"ctf-arena/internal/flag"
	"ctf-arena/internal/instance"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/proxy"
	"ctf-arena/internal/scoreboard"
	"ctf-arena/internal/storage"
	"ctf-arena/internal/verify"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics := monitor.NewMetrics()
	if cfg.Tracing.Enabled {
		shutdown, err := monitor.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Sample)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Error().Err(err).Msg("tracer shutdown error")
			}
		}()
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Float64("sample_rate", cfg.Tracing.Sample).Msg("tracing enabled")
	}
	tracer := monitor.NewTracer()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.SeedFile != "" {
		if err := storage.LoadSeedFile(ctx, store, cfg.Database.SeedFile); err != nil {
			return err
		}
		log.Info().Str("path", cfg.Database.SeedFile).Msg("seed data loaded")
	}

	var (
		artifactCache cache.Cache = cache.NewMemory()
		sinks                     = events.Fanout{events.NewLogSink()}
	)
	if cfg.Redis.Addr != "" {
		client, err := cache.Dial(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		artifactCache = cache.NewRedis(client)
		if cfg.Events.Publish {
			sinks = append(sinks, events.NewRedisSink(client))
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis cache enabled")
	} else {
		log.Warn().Msg("no redis configured, cache and rebuild locks are process local")
	}

	audit := events.NewAuditWriter(store, cfg.Events.AuditBufferSize)
	audit.Start()
	defer audit.Flush(10 * time.Second)
	sinks = append(sinks, audit)

	backend, err := container.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
	}()

	flags := flag.New(cfg.Flag.Prefix)

	manager := instance.NewManager(store, backend, flags, sinks, metrics, tracer, instance.Options{
		Lifetime:      cfg.Runtime.Lifetime,
		RenewalWindow: cfg.Runtime.RenewalWindow,
		Cooldown:      cfg.Runtime.OperationCooldown,
	})
	sweeper := instance.NewSweeper(manager, cfg.Sweeper.Interval)

	coherence := cache.NewService(artifactCache, map[string]cache.Handler{
		scoreboard.Artifact: scoreboard.NewHandler(store),
	}, metrics, cache.Options{
		DefaultTTL: cfg.Cache.ScoreboardTTL,
		LockTTL:    cfg.Cache.LockTTL,
		FetchWait:  cfg.Cache.FetchWait,
	})

	workers := verify.WorkerCount(cfg.Pipeline)
	pipeline := verify.NewPipeline(store, flags, coherence, sinks, metrics, tracer, verify.Options{
		Workers:            workers,
		MaxConflictRetries: cfg.Pipeline.MaxConflictRetries,
		DrainTimeout:       cfg.Pipeline.DrainTimeout,
	})

	coherence.Start(ctx)
	defer coherence.Stop()
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Stop()
	if _, err := sweeper.ReapOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphaned workload cleanup failed")
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(cfg, api.Services{
		Store:       store,
		Submitter:   pipeline,
		Instances:   manager,
		Artifacts:   coherence,
		BackendName: backend.Name(),
	}, metrics)

	var bridge *proxy.Proxy
	if cfg.Proxy.Enabled {
		bridge = proxy.New(cfg.ProxyAddress(), manager, metrics, proxy.Options{
			DialTimeout: cfg.Proxy.DialTimeout,
			IdleTimeout: cfg.Proxy.IdleTimeout,
		})
		if err := bridge.Start(); err != nil {
			return err
		}
	}

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", backend.Name()).
		Bool("db_enabled", cfg.Database.DSN != "").
		Bool("proxy_enabled", bridge != nil).
		Int("workers", workers).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if bridge != nil {
			if err := bridge.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("proxy shutdown error")
			}
		}
		return nil
	})
	// The deferred Stop calls drain the pipeline and the sweeper after ingress is closed.
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		log.Warn().Msg("no database configured, running on the in-memory store")
		return storage.NewMemory(), nil
	}
	db, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
