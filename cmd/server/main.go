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

	"github.com/dkeye/teleconsult/internal/adapters/auth"
	"github.com/dkeye/teleconsult/internal/adapters/bus"
	router "github.com/dkeye/teleconsult/internal/adapters/http"
	"github.com/dkeye/teleconsult/internal/adapters/rtc"
	"github.com/dkeye/teleconsult/internal/adapters/scheduler"
	wssignal "github.com/dkeye/teleconsult/internal/adapters/signal"
	"github.com/dkeye/teleconsult/internal/adapters/store"
	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/config"
	"github.com/dkeye/teleconsult/internal/core"
)

// storage is what the process needs from a consultation store.
type storage interface {
	core.ConsultationStore
	core.DoctorDirectory
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	msgBus, runBus := openBus(cfg)
	defer msgBus.Close()

	iceServers, err := rtc.ICEServers(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	reg := app.NewRegistry()
	tracker := app.NewTracker(cfg.InstanceID, msgBus, cfg.ChannelPrefix, 3*cfg.SweepInterval)
	tracker.OnStatus(app.DirectoryWriter(st, 5*time.Second))
	reg.OnChange(tracker.ConnectionsChanged)
	rooms := app.NewRoomManager(cfg.InstanceID, msgBus, cfg.ChannelPrefix)
	events := app.NewEventRouter(cfg.InstanceID, reg, msgBus, cfg.ChannelPrefix, app.SignalingPolicy{})
	for _, c := range []interface {
		Start() error
		Stop()
	}{tracker, rooms, events} {
		if err := c.Start(); err != nil {
			return err
		}
		defer c.Stop()
	}

	o := &orch.Orchestrator{
		Store:           st,
		Rooms:           rooms,
		Events:          events,
		Presence:        tracker,
		RequestTimeout:  cfg.RequestTimeout,
		AcceptTimeout:   cfg.AcceptTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
		RoomRecheck:     cfg.RoomRecheck,
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	ctl := wssignal.NewSignalWSController(o, reg, events, verifier, wssignal.SettingsFrom(cfg))

	sweeper, err := scheduler.New(
		scheduler.Job{Name: "expire-stale", Interval: cfg.SweepInterval, Run: func(ctx context.Context) error {
			_, err := o.ExpireStale(ctx)
			return err
		}},
		scheduler.Job{Name: "room-reconcile", Interval: cfg.SweepInterval, Run: func(ctx context.Context) error {
			n, err := o.ReconcileRooms(ctx)
			if n > 0 {
				log.Info().Str("module", "main").Int("dropped", n).Msg("stale rooms reconciled")
			}
			return err
		}},
		scheduler.Job{Name: "presence-resync", Interval: cfg.SweepInterval, Run: func(context.Context) error {
			tracker.Resync(reg.Identities(), reg.Count)
			return nil
		}},
		scheduler.Job{Name: "request-limiter-prune", Interval: time.Minute, Run: func(context.Context) error {
			ctl.Limiter.Prune()
			return nil
		}},
	)
	if err != nil {
		return err
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:       o,
		Signal:     ctl,
		Auth:       auth.NewAuthenticator(ctx, verifier, cfg.TokenCacheTTL),
		ICEServers: iceServers,
		Health:     map[string]router.Pinger{"store": st, "bus": msgBus},
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("teleconsult server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if runBus != nil {
		g.Go(func() error { return runBus(gctx) })
	}
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		reg.CancelAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage, func(), error) {
	if cfg.MongoURI == "" {
		log.Warn().Str("module", "main").Msg("mongo_uri empty, consultations are kept in memory")
		return store.NewMemory(), func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m, err := store.NewMongo(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: %w", err)
	}
	return m, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("mongo disconnect")
		}
	}, nil
}

// openBus returns the cluster bus and, for Redis, the receive loop to run.
func openBus(cfg *config.Config) (core.MessageBus, func(context.Context) error) {
	if cfg.RedisAddr == "" {
		log.Warn().Str("module", "main").Msg("redis_addr empty, events stay inside this process")
		return bus.NewMemory(), nil
	}
	r := bus.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	return r, r.Run
}
