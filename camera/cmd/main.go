package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ambengineeringsystem-gif/selfie-2/camera/internal/app"
	"github.com/ambengineeringsystem-gif/selfie-2/camera/internal/config"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/console"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "camera",
		Short:        "Share this device's camera with a paired viewer",
		SilenceUsage: true,
		RunE:         run,
	}
	config.RegisterFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "camera"})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = pkglog.WithLogger(ctx, logger)

	con := console.New(cmd.OutOrStdout())
	cam, err := app.New(ctx, cfg, con, app.Deps{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cam.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("camera shutdown incomplete")
		}
		logger.Info().Msg("camera stopped")
	}()

	if err := cam.Start(ctx); err != nil {
		return err
	}
	con.Printf("Commands: code, photo, save, next, stop, status, quit")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return con.REPL(gctx, cmd.InOrStdin(), cam.Handle)
	})
	g.Go(func() error {
		return cam.ReportIngest(gctx, 30*time.Second)
	})
	return g.Wait()
}
