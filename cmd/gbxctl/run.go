package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gbx-controller/api"
	"gbx-controller/client"
	"gbx-controller/config"
	"gbx-controller/controller"
	"gbx-controller/player"
	"gbx-controller/transport"
)

var (
	httpListen string
	storePath  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a dedicated server and run the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if httpListen != "" {
			cfg.HTTP.Listen = httpListen
		}
		if storePath != "" {
			cfg.Store.Path = storePath
		}
		return runController(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&httpListen, "http", "", "Admin API listen address, e.g. :8080")
	runCmd.Flags().StringVar(&storePath, "store", "", "Path of the player database")
	rootCmd.AddCommand(runCmd)
}

func runController(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("version", Version).Str("commit", GitCommit).Msg("gbxctl starting")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := player.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := transport.NewMetricsCollector()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics)

	opts := clientOptions(cfg, metrics)
	if cfg.Dispatcher.KeepAlive > 0 {
		opts = append(opts, client.WithKeepAlive(cfg.Dispatcher.KeepAlive.Std()))
	}
	c, err := connect(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctrlOpts := []controller.Option{
		controller.WithAdmins(cfg.Admins...),
		controller.WithQueueSize(cfg.Dispatcher.EventQueue),
	}
	if cfg.Calls.Timeout > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithCallTimeout(cfg.Calls.Timeout.Std()))
	}
	ctrl := controller.New(c, store, ctrlOpts...)
	// the sink must be in place before the server starts pushing
	c.SetEventSink(ctrl.Sink())
	if err := c.EnableCallbacks(ctx, true); err != nil {
		return err
	}

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- ctrl.Run(ctx) }()

	var e *echo.Echo
	serverErr := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		e = echo.New()
		e.HideBanner = true
		e.HidePort = true
		api.NewHandler(c, cfg.HTTP.APIKey, promReg).RegisterRoutes(e)
		go func() {
			log.Info().Str("listen", cfg.HTTP.Listen).Msg("admin API listening")
			serverErr <- e.Start(cfg.HTTP.Listen)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-c.Done():
		runErr = c.Err()
		log.Error().Err(runErr).Msg("connection to dedicated server lost")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
			log.Error().Err(err).Msg("admin API failed")
		}
	}
	stop()

	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin API forced to shutdown")
		}
	}
	<-ctrlDone
	if n := ctrl.Dropped(); n > 0 {
		log.Warn().Uint64("dropped", n).Msg("events dropped while the controller lagged")
	}
	return runErr
}
