package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gbx-controller/middleware"
	"gbx-controller/registry"
	"gbx-controller/server"
)

var (
	fakeListen    string
	fakeAdvertise string
	fakeName      string
	fakeService   string
	fakeEtcd      []string
	fakeUser      string
	fakePassword  string
	fakeRate      float64
	fakePlayers   []string
)

var fakeServerCmd = &cobra.Command{
	Use:   "fakeserver",
	Short: "Serve an in-memory dedicated server for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFakeServer(cmd.Context())
	},
}

func init() {
	fakeServerCmd.Flags().StringVarP(&fakeListen, "listen", "l", "127.0.0.1:5000", "Listen address")
	fakeServerCmd.Flags().StringVar(&fakeAdvertise, "advertise", "", "Address registered in etcd (default: the listen address)")
	fakeServerCmd.Flags().StringVar(&fakeName, "name", "Fake Server", "Server name")
	fakeServerCmd.Flags().StringVar(&fakeService, "service", registry.DefaultService, "Service name registered in etcd")
	fakeServerCmd.Flags().StringSliceVar(&fakeEtcd, "etcd", splitEnv("GBX_ETCD_ENDPOINTS"), "etcd endpoints to register with")
	fakeServerCmd.Flags().StringVar(&fakeUser, "user", "SuperAdmin", "Accepted login")
	fakeServerCmd.Flags().StringVar(&fakePassword, "password", "SuperAdmin", "Accepted password")
	fakeServerCmd.Flags().Float64Var(&fakeRate, "rate", 0, "Calls per second accepted from all controllers (0 = unlimited)")
	fakeServerCmd.Flags().StringSliceVar(&fakePlayers, "player", nil, "Player login connected at start, repeatable")
	rootCmd.AddCommand(fakeServerCmd)
}

func splitEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func runFakeServer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(server.WithService(fakeService))
	srv.Use(middleware.LoggingMiddleware(log.Logger.With().Str("component", "fakeserver").Logger()))
	if fakeRate > 0 {
		srv.Use(middleware.RateLimitMiddleware(fakeRate, int(fakeRate)+1))
	}
	d := server.NewDedicated(srv, fakeName)
	d.SetCredentials(fakeUser, fakePassword)
	for _, login := range fakePlayers {
		if err := d.Connect(login, login, false); err != nil {
			return err
		}
	}

	var reg registry.Registry
	if len(fakeEtcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(fakeEtcd, 5*time.Second)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve("tcp", fakeListen, fakeAdvertise, reg) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-served
}
