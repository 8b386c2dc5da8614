package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/muxrpc/"

// EtcdRegistry implements Registry on etcd v3. Registrations are stored as
//
//	Key:   /muxrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// and hang off TTL leases, so a server that dies without deregistering drops
// out once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	logger *slog.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *slog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive in the background.
//
// The lease id stays local: several servers may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", instance.Addr, err)
	}

	// KeepAlive must outlive the registering call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", slog.String("service", serviceName), slog.String("addr", instance.Addr))
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if _, err := r.client.Delete(ctx, serviceKey(serviceName, addr)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", addr, err)
	}
	return nil
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event", slog.String("service", serviceName), slog.String("error", err.Error()))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registration", slog.String("key", string(kv.Key)))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
