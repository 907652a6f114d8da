package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	pkgconfig "github.com/ambengineeringsystem-gif/selfie-2/pkg/config"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/config"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/handler"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/hub"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load(pkgconfig.GetEnv("CONFIG_PATH", "./config"))
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "relay-service"})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = pkglog.WithLogger(ctx, logger)

	// Backing store
	store, err := relay.Open(ctx, cfg.RelayConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open relay store")
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.Store.Driver).Int("retention_rules", len(cfg.Redis.Retention)).Msg("relay store ready")

	m := metrics.New()
	wsHub := hub.NewHub(relay.NewGateway(store, m), cfg.WebSocket, m)

	iceHandler := handler.NewICEHandler(cfg.ICEConfig())
	iceHandler.Refresh(ctx)

	router := handler.NewRouter(
		handler.NewDataHandler(store, m),
		iceHandler,
		wsHub,
		m.Handler(),
		pkglog.GinMiddleware(logger),
	)

	// Websocket connections outlive any per-request deadline.
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler.Mount(handler.NewWSHandler(wsHub), router, logger),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return iceHandler.RefreshEvery(gctx, cfg.WebRTC.ICERefresh)
	})
	g.Go(func() error {
		logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("relay-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down relay-service")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay-service exited with error")
	}
	logger.Info().Msg("relay-service stopped")
}
