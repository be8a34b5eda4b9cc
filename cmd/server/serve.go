package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/bus"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/config"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/jason-s-yu/quizduel/internal/handlers"
	"github.com/jason-s-yu/quizduel/internal/historian"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/match"
	"github.com/jason-s-yu/quizduel/internal/presence"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// subscriberBuffer is how many snapshots a slow socket may lag before older ones are coalesced.
const subscriberBuffer = 16

// backends are the pluggable pieces chosen by configuration.
type backends struct {
	store    lobby.Store
	bus      bus.Bus
	presence presence.Tracker
	recorder historian.Recorder
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func setupAuth(cfg *config.Config) error {
	if cfg.JWTPrivateKey != "" {
		if err := auth.InitFromPath(cfg.JWTPrivateKey, cfg.JWTPublicKey); err != nil {
			return fmt.Errorf("load jwt keys: %w", err)
		}
	} else {
		auth.Init()
	}
	auth.SetTokenExpiry(cfg.TokenExpiry)
	return nil
}

// openBackends connects Postgres and Redis when configured and falls back to in-process
// implementations otherwise.
func openBackends(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		b.store = database.NewPGStore(pool)
	} else {
		logger.Warn("no database configured; lobbies live in memory and are lost on restart")
		b.store = lobby.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.bus = bus.NewRedisBus(rdb, logger, bus.DefaultChannelPrefix, subscriberBuffer)
		b.presence = presence.NewRedisTracker(rdb, presence.DefaultKeyPrefix, cfg.PresenceGrace)
		b.recorder = historian.NewRedisRecorder(rdb, cfg.HistorianQueue)
	} else {
		b.bus = bus.NewLocalBus(logger, subscriberBuffer)
		b.presence = presence.NewMemoryTracker(cfg.PresenceGrace)
		b.recorder = historian.Nop{}
	}
	return b, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := setupAuth(cfg); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	cat := catalog.Default()
	lobbies := lobby.NewService(b.store, cat, b.bus, logger, lobby.Options{
		Codes:        lobby.RandomCodes(cfg.CodeLength),
		CodeRetries:  cfg.CodeRetries,
		FixedCount:   cfg.FixedCount,
		DefaultLives: cfg.DefaultLives,
		Recorder:     b.recorder,
	})
	engine := match.NewEngine(b.store, cat, b.bus, b.recorder, logger)

	router := handlers.NewRouter(&handlers.Server{
		Lobbies:  lobbies,
		Match:    engine,
		Bus:      b.bus,
		Presence: b.presence,
		Logger:   logger,
		JoinURL:  cfg.JoinURL,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.WithFields(logrus.Fields{"addr": srv.Addr, "version": releaseVersion}).Info("quizduel server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}
