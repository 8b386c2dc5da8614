package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEtcd connects to ETCD_ENDPOINTS (comma separated) or skips.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	service := "Arith-" + time.Now().Format("150405.000000")
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))
	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	service := "Watch-" + time.Now().Format("150405.000000")
	updates := reg.Watch(ctx, service)
	time.Sleep(100 * time.Millisecond)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	require.NoError(t, reg.Register(ctx, service, inst, 10))

	select {
	case got := <-updates:
		assert.Equal(t, []ServiceInstance{inst}, got)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, service, inst.Addr))
}
