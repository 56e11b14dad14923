package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gbx-controller/client"
	"gbx-controller/config"
	"gbx-controller/loadbalance"
	"gbx-controller/middleware"
	"gbx-controller/registry"
	"gbx-controller/transport"
)

var (
	// Global flags
	verbose    bool
	jsonLog    bool
	configPath string
	address    string
)

var rootCmd = &cobra.Command{
	Use:   "gbxctl",
	Short: "Remote-control client for dedicated game servers",
	Long: `gbxctl speaks the GbxRemote protocol to ManiaPlanet and Trackmania
dedicated servers. It runs a controller that greets players and executes
chat commands, makes one-off calls, and serves a fake dedicated server for
local development.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GBX_CONFIG"), "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "Dedicated server address (overrides config and discovery)")
}

// loadConfig reads the config and applies the flags that override it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if address != "" {
		cfg.Server.Address = address
	}
	if !verbose && cfg.Log.Level != "" {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func clientOptions(cfg *config.Config, metrics *transport.Collector) []client.Option {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(log.Logger.With().Str("component", "calls").Logger()),
	}
	if cfg.Calls.Rate > 0 {
		mws = append(mws, middleware.ThrottleMiddleware(cfg.Calls.Rate, cfg.Calls.Burst))
	}
	if cfg.Calls.Timeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(cfg.Calls.Timeout.Std()))
	}

	opts := []client.Option{
		client.WithDialTimeout(cfg.Server.DialTimeout.Std()),
		client.WithMaxPayload(cfg.Dispatcher.MaxFrame),
		client.WithUnknownHandleLimit(cfg.Dispatcher.UnknownHandleLimit),
		client.WithMiddleware(mws...),
		client.WithMetrics(metrics),
	}
	if cfg.Auth.Password != "" {
		opts = append(opts, client.WithCredentials(cfg.Auth.User, cfg.Auth.Password))
	}
	if cfg.Server.APIVersion != "" {
		opts = append(opts, client.WithAPIVersion(cfg.Server.APIVersion))
	}
	if cfg.Server.ScriptAPIVersion != "" {
		opts = append(opts, client.WithScriptAPIVersion(cfg.Server.ScriptAPIVersion))
	}
	return opts
}

// connect dials the configured address, or discovers the service in etcd
// and lets the configured balancer choose an instance.
func connect(ctx context.Context, cfg *config.Config, opts ...client.Option) (*client.Client, error) {
	if cfg.Server.Address != "" {
		return client.Dial(ctx, cfg.Server.Address, opts...)
	}

	reg, err := registry.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout.Std())
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	defer reg.Close()

	bal, err := loadbalance.New(cfg.Discovery.Balancer, cfg.Discovery.Key)
	if err != nil {
		return nil, err
	}
	return client.DialService(ctx, reg, bal, cfg.Server.Service, opts...)
}
