package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicegate/internal/adapters/collab"
	router "github.com/dkeye/voicegate/internal/adapters/http"
	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/app/orch"
	"github.com/dkeye/voicegate/internal/config"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.NewCollector("voicegate")
	rooms := app.NewRooms(m)
	streams := app.NewAssembler(cfg.Audio.TTL,
		app.WithMaxStreamBytes(cfg.Audio.MaxStreamBytes),
		app.WithAssemblerMetrics(m),
	)
	reg := app.NewRegistry(rooms, streams,
		app.WithCapacity(cfg.MaxConnections),
		app.WithRateLimit(cfg.Rate.PerSecond, cfg.Rate.Burst),
		app.WithRegistryMetrics(m),
	)
	fanout := app.NewFanout(reg, rooms, app.PolicyByName(cfg.Backpressure), m)

	o := &orch.Orchestrator{
		Registry:      reg,
		Fanout:        fanout,
		Streams:       streams,
		AI:            collab.NewAIClient(cfg.AI.URL, nil),
		Metrics:       m,
		AITimeout:     cfg.AI.Timeout,
		NotifyExpired: cfg.Audio.NotifyExpired,
	}
	if cfg.AI.URL == "" {
		log.Warn().Msg("ai.url not set, voice commands will fail")
	}
	if cfg.TTS.URL != "" {
		o.Voice = collab.NewSynthesisClient(cfg.TTS.URL, nil)
	}
	if cfg.Calendar.URL != "" {
		o.Calendar = collab.NewCalendarClient(cfg.Calendar.URL, nil)
	} else {
		o.Calendar = collab.PassthroughCalendar{}
	}

	deps := router.Deps{
		Orch:    o,
		Auth:    app.NewAuthGate(tokenVerifier(cfg)),
		Rooms:   rooms,
		Metrics: m,
		Limiter: router.NewConnectLimiter(cfg.ConnectLimit.Attempts, cfg.ConnectLimit.Window),
	}

	if cfg.Redis.URL != "" {
		cache, err := collab.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close")
			}
		}()
		o.Cache = cache
		deps.Cache = cache
	} else {
		log.Warn().Msg("redis.url not set, voice preferences fall back to defaults")
	}

	if cfg.Secret == "" {
		log.Warn().Msg("secret not set, session login is unavailable")
	}
	r := router.SetupRouter(ctx, cfg, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o.RunSweeper(gctx, cfg.Audio.SweepInterval)
		return nil
	})
	g.Go(func() error {
		deps.Limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err := g.Wait()
	o.Wait()
	return err
}

func tokenVerifier(cfg *config.Config) core.TokenVerifier {
	secret := cfg.JWT.Secret
	if secret == "" {
		log.Warn().Msg("jwt.secret not set, token authentication disabled")
	}
	return collab.NewJWTVerifier(secret, cfg.JWT.Issuer, cfg.JWT.Audience)
}
