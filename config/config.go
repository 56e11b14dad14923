// Package config loads the controller configuration: defaults, then a YAML
// file, then GBX_* environment variables. Command-line flags are applied on
// top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gbx-controller/loadbalance"
	"gbx-controller/protocol"
	"gbx-controller/registry"
	"gbx-controller/transport"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "5s", "250ms" in YAML. A bare
// integer is read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if n, err := strconv.Atoi(node.Value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

type Config struct {
	Server     Server     `yaml:"server"`
	Auth       Auth       `yaml:"auth"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Calls      Calls      `yaml:"calls"`
	Discovery  Discovery  `yaml:"discovery"`
	Store      Store      `yaml:"store"`
	HTTP       HTTP       `yaml:"http"`
	Admins     []string   `yaml:"admins"`
	Log        Log        `yaml:"log"`
}

// Server is the dedicated server to control.
type Server struct {
	Address          string   `yaml:"address"`
	Service          string   `yaml:"service"`
	DialTimeout      Duration `yaml:"dial_timeout"`
	APIVersion       string   `yaml:"api_version"`
	ScriptAPIVersion string   `yaml:"script_api_version"`
}

type Auth struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Dispatcher struct {
	MaxFrame           int      `yaml:"max_frame"`
	UnknownHandleLimit int      `yaml:"unknown_handle_limit"`
	KeepAlive          Duration `yaml:"keepalive"`
	EventQueue         int      `yaml:"event_queue"`
}

// Calls shapes every outgoing call. A zero Rate disables rate limiting.
type Calls struct {
	Timeout Duration `yaml:"timeout"`
	Rate    float64  `yaml:"rate"`
	Burst   int      `yaml:"burst"`
}

// Discovery finds the dedicated server through etcd when Server.Address is
// empty.
type Discovery struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
	Balancer    string   `yaml:"balancer"`
	Key         string   `yaml:"key"`
}

type Store struct {
	Path string `yaml:"path"`
}

// HTTP is the admin API. An empty Listen disables it.
type HTTP struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Address:          "127.0.0.1:5000",
			Service:          registry.DefaultService,
			DialTimeout:      Duration(5 * time.Second),
			APIVersion:       "2023-04-24",
			ScriptAPIVersion: "3.4.0",
		},
		Auth: Auth{User: "SuperAdmin"},
		Dispatcher: Dispatcher{
			MaxFrame:           protocol.DefaultMaxPayload,
			UnknownHandleLimit: transport.DefaultUnknownHandleLimit,
			KeepAlive:          Duration(30 * time.Second),
			EventQueue:         256,
		},
		Calls: Calls{
			Timeout: Duration(10 * time.Second),
			Burst:   10,
		},
		Discovery: Discovery{
			DialTimeout: Duration(5 * time.Second),
			Balancer:    "round-robin",
		},
		Store: Store{Path: "gbx-controller.db"},
		Log:   Log{Level: "info"},
	}
}

// Load reads path (if not empty) over the defaults, applies the environment
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are an error.
func (cfg *Config) Decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from GBX_* variables found by lookup.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok {
			*dst = splitList(v)
		}
	}
	str("GBX_SERVER_ADDRESS", &cfg.Server.Address)
	str("GBX_SERVICE", &cfg.Server.Service)
	str("GBX_AUTH_USER", &cfg.Auth.User)
	str("GBX_AUTH_PASSWORD", &cfg.Auth.Password)
	str("GBX_BALANCER", &cfg.Discovery.Balancer)
	str("GBX_STORE_PATH", &cfg.Store.Path)
	str("GBX_HTTP_LISTEN", &cfg.HTTP.Listen)
	str("GBX_HTTP_API_KEY", &cfg.HTTP.APIKey)
	str("GBX_LOG_LEVEL", &cfg.Log.Level)
	list("GBX_ETCD_ENDPOINTS", &cfg.Discovery.Endpoints)
	list("GBX_ADMINS", &cfg.Admins)

	if v, ok := lookup("GBX_CALL_RATE"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: GBX_CALL_RATE: %w", ErrInvalid, err)
		}
		cfg.Calls.Rate = rate
	}
	if v, ok := lookup("GBX_CALL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: GBX_CALL_TIMEOUT: %w", ErrInvalid, err)
		}
		cfg.Calls.Timeout = Duration(d)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (cfg *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	if cfg.Server.Address == "" && len(cfg.Discovery.Endpoints) == 0 {
		return invalid("either server.address or discovery.endpoints is required")
	}
	if cfg.Server.Address == "" && cfg.Server.Service == "" {
		return invalid("server.service is required for discovery")
	}
	if _, err := loadbalance.New(cfg.Discovery.Balancer, cfg.Discovery.Key); err != nil {
		return invalid("discovery.balancer: %v", err)
	}
	if cfg.Dispatcher.MaxFrame <= 0 {
		return invalid("dispatcher.max_frame must be positive")
	}
	if cfg.Dispatcher.UnknownHandleLimit < 0 {
		return invalid("dispatcher.unknown_handle_limit must not be negative")
	}
	if cfg.Dispatcher.EventQueue <= 0 {
		return invalid("dispatcher.event_queue must be positive")
	}
	if cfg.Calls.Timeout < 0 || cfg.Dispatcher.KeepAlive < 0 || cfg.Server.DialTimeout < 0 {
		return invalid("durations must not be negative")
	}
	if cfg.Calls.Rate < 0 {
		return invalid("calls.rate must not be negative")
	}
	if cfg.Calls.Rate > 0 && cfg.Calls.Burst < 1 {
		return invalid("calls.burst must be at least 1 when calls.rate is set")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q", cfg.Log.Level)
	}
	return nil
}

// IsAdmin reports whether login is listed in admins.
func (cfg *Config) IsAdmin(login string) bool {
	for _, a := range cfg.Admins {
		if a == login {
			return true
		}
	}
	return false
}
