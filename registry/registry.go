// Package registry tracks which addresses serve a JSON-RPC service.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("no instances available")

// ServiceInstance is one reachable server for a service.
type ServiceInstance struct {
	Addr    string
	Weight  int // relative share for weighted balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
