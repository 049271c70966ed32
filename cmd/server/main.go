package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/yoshi-inspect/internal/catalog"
	"github.com/DoyleJ11/yoshi-inspect/internal/config"
	"github.com/DoyleJ11/yoshi-inspect/internal/controller"
	"github.com/DoyleJ11/yoshi-inspect/internal/httpapi"
	"github.com/DoyleJ11/yoshi-inspect/internal/hub"
	"github.com/DoyleJ11/yoshi-inspect/internal/identity"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
	"github.com/DoyleJ11/yoshi-inspect/internal/store/postgres"
	"github.com/DoyleJ11/yoshi-inspect/internal/store/redischat"
	"github.com/DoyleJ11/yoshi-inspect/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zc.Build()
}

type stores struct {
	rooms  store.RoomStore
	chat   store.ChatChannel
	checks map[string]httpapi.Checker
	close  []func() error
}

func (s *stores) Close() error {
	var err error
	for i := len(s.close) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.close[i]())
	}
	return err
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	s := &stores{checks: map[string]httpapi.Checker{}}

	switch cfg.Store {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		s.rooms, s.chat = pg, pg
		s.checks["postgres"] = httpapi.CheckerFunc(pg.Ping)
		s.close = append(s.close, pg.Close)
		log.Info("connected to postgres")
	default:
		h := hub.NewHub(ctx, log)
		s.rooms, s.chat = h, h
		s.close = append(s.close, h.Close)
	}

	if cfg.RedisURL != "" {
		rdb, err := redischat.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("connecting to redis: %w", err), s.Close())
		}
		s.chat = redischat.New(rdb, "", log)
		s.checks["redis"] = httpapi.CheckerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		s.close = append(s.close, rdb.Close)
		log.Info("chat on redis streams")
	}
	return s, nil
}

func run(ctx context.Context) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if len(cat.Products) < cfg.MaxRounds {
		return fmt.Errorf("MAX_ROUNDS=%d but the catalog has %d products", cfg.MaxRounds, len(cat.Products))
	}

	sessions, err := identity.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	// Build the router *with* the stores injected
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Rooms:    st.rooms,
		Sessions: sessions,
		Checks:   st.checks,
		WS: ws.Deps{
			Rooms:   st.rooms,
			Chat:    st.chat,
			Catalog: cat,
			Options: controller.Options{
				VoteDuration: cfg.VoteDuration,
				Tick:         cfg.TickInterval,
				MaxRounds:    cfg.MaxRounds,
			},
			Log:            log,
			OriginPatterns: cfg.AllowedOrigins,
		},
		Log: log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Websocket handlers outlive Shutdown; tie them to the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
