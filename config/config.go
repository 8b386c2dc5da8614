// Package config loads connection settings from YAML and turns them into
// transport options, middleware and discovery components.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"muxrpc/client"
	"muxrpc/codec"
	"muxrpc/loadbalance"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/transport"
)

// Config holds client connection settings.
type Config struct {
	Network           string          `yaml:"network"`
	Address           string          `yaml:"address"`
	Codec             string          `yaml:"codec"`
	CompressThreshold int             `yaml:"compress_threshold"`
	Heartbeat         time.Duration   `yaml:"heartbeat"`
	Timeout           time.Duration   `yaml:"timeout"`
	BatchFraming      *bool           `yaml:"batch_framing"`
	Balancer          string          `yaml:"balancer"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Registry          RegistryConfig  `yaml:"registry"`
}

// RateLimitConfig is a token bucket; a zero Rate disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Service   string   `yaml:"service"`
	TTL       int64    `yaml:"ttl"`
}

// Default returns the settings used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Network:           "tcp",
		Codec:             "json",
		CompressThreshold: 4096,
		Heartbeat:         30 * time.Second,
		Balancer:          "round_robin",
		Registry:          RegistryConfig{TTL: 10},
	}
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := codec.ParseType(c.Codec); err != nil {
		return err
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("compress_threshold must not be negative, got %d", c.CompressThreshold)
	}
	if c.Heartbeat < 0 || c.Timeout < 0 {
		return errors.New("heartbeat and timeout must not be negative")
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit needs a positive burst, got rate %v burst %d", c.RateLimit.Rate, c.RateLimit.Burst)
	}
	if _, err := c.NewBalancer(); err != nil {
		return err
	}
	if c.Address == "" && c.Registry.Service == "" {
		return errors.New("either address or registry.service is required")
	}
	return nil
}

// TransportOptions converts the connection settings.
func (c *Config) TransportOptions(logger *slog.Logger) []transport.Option {
	ct, _ := codec.ParseType(c.Codec)
	opts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithCodec(ct),
		transport.WithCompressThreshold(c.CompressThreshold),
		transport.WithHeartbeat(c.Heartbeat),
	}
	if c.BatchFraming != nil && !*c.BatchFraming {
		opts = append(opts, transport.WithoutBatchFraming())
	}
	return opts
}

// Middlewares returns the client chain in the order it runs: logging,
// timeout, then rate limiting.
func (c *Config) Middlewares(logger *slog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if c.Timeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(c.Timeout))
	}
	if c.RateLimit.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.RateLimit.Rate, c.RateLimit.Burst))
	}
	return mws
}

func (c *Config) NewBalancer() (loadbalance.Balancer, error) {
	switch c.Balancer {
	case "", "round_robin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted_random":
		return &loadbalance.WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", c.Balancer)
	}
}

// NewRegistry connects to etcd when endpoints are configured. Otherwise it
// returns an in-memory registry holding Address under the service name.
func (c *Config) NewRegistry(logger *slog.Logger) (registry.Registry, error) {
	if len(c.Registry.Endpoints) > 0 {
		return registry.NewEtcdRegistry(c.Registry.Endpoints, logger)
	}
	reg := registry.NewMemoryRegistry()
	if c.Address != "" {
		_ = reg.Register(context.Background(), c.ServiceName(), registry.ServiceInstance{Addr: c.Address, Weight: 1}, c.Registry.TTL)
	}
	return reg, nil
}

// ServiceName is registry.service, or the address when none is set.
func (c *Config) ServiceName() string {
	if c.Registry.Service != "" {
		return c.Registry.Service
	}
	return c.Address
}

// NewClient builds a client with the configured discovery, balancing,
// transport options and middleware.
func (c *Config) NewClient(logger *slog.Logger) (*client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := c.NewRegistry(logger)
	if err != nil {
		return nil, err
	}
	bal, err := c.NewBalancer()
	if err != nil {
		return nil, err
	}
	return client.NewClient(reg, bal, c.ServiceName(),
		client.WithNetwork(c.Network),
		client.WithLogger(logger),
		client.WithTransportOptions(c.TransportOptions(logger)...),
		client.WithMiddleware(c.Middlewares(logger)...),
	), nil
}
