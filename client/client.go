// Package client resolves a service through the registry and hands out
// multiplexed connections to its instances.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"muxrpc/loadbalance"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/transport"
)

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	affinity *loadbalance.ConsistentHashBalancer // subscriptions, by key
	service  string

	network       string
	transportOpts []transport.Option
	middlewares   []middleware.Middleware
	logger        *slog.Logger
	pool          *connPool
}

type Option func(*Client)

// WithNetwork sets the network passed to the dialer. Default "tcp".
func WithNetwork(network string) Option {
	return func(c *Client) { c.network = network }
}

// WithTransportOptions configures every socket the client dials.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

// WithMiddleware wraps single requests on every connection handed out.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a client for service. bal picks instances for
// Connection; PubSub always uses consistent hashing on the key.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		affinity: loadbalance.NewConsistentHashBalancer(),
		service:  service,
		network:  "tcp",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = newConnPool(c.dial)
	return c
}

func (c *Client) dial(ctx context.Context, addr string) (*transport.Socket, error) {
	opts := append([]transport.Option{transport.WithLogger(c.logger)}, c.transportOpts...)
	sock, err := transport.DialSocket(ctx, c.network, addr, opts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("dialled instance", slog.String("service", c.service), slog.String("addr", addr))
	return sock, nil
}

func (c *Client) discover(ctx context.Context) ([]registry.ServiceInstance, error) {
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", c.service, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("discover %s: %w", c.service, registry.ErrNoInstances)
	}
	return instances, nil
}

// Connection picks an instance with the balancer and returns its shared
// connection.
func (c *Client) Connection(ctx context.Context) (transport.Connection, error) {
	instances, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	sock, err := c.pool.get(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	if len(c.middlewares) == 0 {
		return sock, nil
	}
	return middleware.Wrap(sock, c.middlewares...), nil
}

// PubSub returns the connection of the instance that owns key, so every
// subscription on one key shares a server.
func (c *Client) PubSub(ctx context.Context, key transport.SubscriptionKey) (transport.PubSubConnection, error) {
	instances, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := c.affinity.PickKey(instances, key.String())
	if err != nil {
		return nil, err
	}
	sock, err := c.pool.get(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	if len(c.middlewares) == 0 {
		return sock, nil
	}
	return middleware.WrapPubSub(sock, c.middlewares...), nil
}

// Call sends one request for method on a balanced connection and decodes
// the result.
func Call[Resp any](ctx context.Context, c *Client, method string, params any) (Resp, error) {
	conn, err := c.Connection(ctx)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return transport.Request[Resp](conn, method, params).Await(ctx)
}

// Close closes every pooled connection. Calls in flight fail with
// transport.ErrClosed.
func (c *Client) Close() error {
	return c.pool.close()
}
