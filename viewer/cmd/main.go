package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/console"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/viewer/internal/app"
	"github.com/ambengineeringsystem-gif/selfie-2/viewer/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "viewer [code or link]",
		Short:        "Watch a paired camera and shoot together",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	config.RegisterFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Connect.Link = args[0]
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "viewer"})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = pkglog.WithLogger(ctx, logger)

	con := console.New(cmd.OutOrStdout())
	viewer, err := app.New(ctx, cfg, con, app.Deps{})
	if err != nil {
		return err
	}
	defer func() {
		if err := viewer.Close(); err != nil {
			logger.Warn().Err(err).Msg("viewer shutdown incomplete")
		}
		logger.Info().Msg("viewer stopped")
	}()

	if err := viewer.Start(ctx); err != nil {
		return err
	}
	con.Printf("Commands: connect <code|link>, camera <name>, photo, save, next, hangup, status, quit")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return con.REPL(gctx, cmd.InOrStdin(), viewer.Handle)
	})
	g.Go(func() error {
		return viewer.ReportForwarding(gctx, 30*time.Second)
	})
	return g.Wait()
}
