package transport

import (
	"log/slog"
	"time"

	"muxrpc/codec"
)

const (
	defaultHeartbeat         = 30 * time.Second
	defaultCompressThreshold = 4096
)

type options struct {
	logger            *slog.Logger
	codec             codec.CodecType
	compressThreshold int
	heartbeat         time.Duration
	batchFraming      bool
	local             *bool
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:            slog.Default(),
		codec:             codec.CodecTypeJSON,
		compressThreshold: defaultCompressThreshold,
		heartbeat:         defaultHeartbeat,
		batchFraming:      true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) isLocal(guess bool) bool {
	if o.local != nil {
		return *o.local
	}
	return guess
}

// Option configures a connection during construction.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec selects the frame-body codec for socket transports.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithCompressThreshold sets the smallest body the codec is applied to.
// Smaller bodies go out as plain JSON.
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.compressThreshold = n }
}

// WithHeartbeat sets the keep-alive interval for socket transports. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithoutBatchFraming makes batches go out as one frame per request, sent
// concurrently, for peers that do not accept JSON arrays.
func WithoutBatchFraming() Option {
	return func(o *options) { o.batchFraming = false }
}

// WithLocal overrides the locality guess made from the remote address.
func WithLocal(local bool) Option {
	return func(o *options) { o.local = &local }
}
