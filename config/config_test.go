package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxrpc/client"
	"muxrpc/loadbalance"
	"muxrpc/registry"
	"muxrpc/server"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
address: 127.0.0.1:9000
codec: snappy
compress_threshold: 512
heartbeat: 5s
timeout: 250ms
batch_framing: false
balancer: weighted_random
rate_limit:
  rate: 100
  burst: 10
registry:
  service: Arith
`))
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Network, "defaults fill unset fields")
	assert.Equal(t, "127.0.0.1:9000", cfg.Address)
	assert.Equal(t, "snappy", cfg.Codec)
	assert.Equal(t, 512, cfg.CompressThreshold)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	require.NotNil(t, cfg.BatchFraming)
	assert.False(t, *cfg.BatchFraming)
	assert.Equal(t, RateLimitConfig{Rate: 100, Burst: 10}, cfg.RateLimit)
	assert.Equal(t, "Arith", cfg.ServiceName())
	assert.Equal(t, int64(10), cfg.Registry.TTL)

	assert.Len(t, cfg.TransportOptions(nil), 5)
	assert.Len(t, cfg.Middlewares(nil), 3)

	bal, err := cfg.NewBalancer()
	require.NoError(t, err)
	assert.IsType(t, &loadbalance.WeightedRandomBalancer{}, bal)
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"codec":     "address: x\ncodec: gzip\n",
		"threshold": "address: x\ncompress_threshold: -1\n",
		"burst":     "address: x\nrate_limit: {rate: 5}\n",
		"balancer":  "address: x\nbalancer: random\n",
		"target":    "codec: json\n",
		"yaml":      "address: [unterminated\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(dir, "muxrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: localhost:1\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:1", cfg.Address)
	assert.Len(t, cfg.Middlewares(nil), 1, "logging only")

	require.NoError(t, os.WriteFile(path, []byte("codec: nope\naddress: x\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, path)
}

type Echo struct{}

func (e *Echo) Say(args *string, reply *string) error {
	*reply = *args
	return nil
}

func TestNewClientFromConfig(t *testing.T) {
	svr := server.NewServer()
	require.NoError(t, svr.Register(&Echo{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	defer svr.Shutdown(time.Second)

	cfg, err := Parse([]byte("address: " + ln.Addr().String() + "\ncodec: snappy\ncompress_threshold: 0\ntimeout: 2s\n"))
	require.NoError(t, err)

	reg, err := cfg.NewRegistry(nil)
	require.NoError(t, err)
	insts, err := reg.Discover(context.Background(), cfg.ServiceName())
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{{Addr: ln.Addr().String(), Weight: 1}}, insts)

	cli, err := cfg.NewClient(nil)
	require.NoError(t, err)
	defer cli.Close()

	got, err := client.Call[string](context.Background(), cli, "Echo.Say", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}
