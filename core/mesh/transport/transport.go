// Package transport carries request/response and streaming RPCs between the Queen and its
// Drones over websocket or libp2p. Both carry the same JSON envelopes and dispatch into the
// same Mux.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hivecompute/hive/core/mesh/common"
)

// Transport is the client side of the RPC layer.
type Transport interface {
	// Call performs a request/response RPC. reply may be nil.
	Call(ctx context.Context, addr, method string, payload, reply interface{}) error
	// CallStreaming starts a server-streaming RPC.
	CallStreaming(ctx context.Context, addr, method string, payload interface{}) (Stream, error)
}

// Stream is a finite sequence of frames pulled on demand. Next returns io.EOF after the final
// frame, the remote error if the handler failed, or a connection error if the peer went away.
// Close abandons the stream and tears down its connection.
type Stream interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Config holds transport configuration shared by the websocket and libp2p transports
type Config struct {
	// LocalID identifies this node to servers that rate-limit per caller.
	LocalID          string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	StreamBuffer     int

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   128 << 20,
		StreamBuffer:     64,
		BreakerFailures:  5,
		BreakerTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = def.StreamBuffer
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = def.BreakerTimeout
	}
	return c
}

// IsWebSocketAddr reports whether addr is a ws:// or wss:// URL.
func IsWebSocketAddr(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// IsMultiaddr reports whether addr looks like a libp2p multiaddr.
func IsMultiaddr(addr string) bool {
	return strings.HasPrefix(addr, "/")
}

// Router dispatches calls to the transport matching the address form.
type Router struct {
	ws  Transport
	p2p Transport
}

// NewRouter combines transports. Either may be nil.
func NewRouter(ws, p2p Transport) *Router {
	return &Router{ws: ws, p2p: p2p}
}

func (r *Router) pick(addr string) (Transport, error) {
	switch {
	case IsWebSocketAddr(addr) && r.ws != nil:
		return r.ws, nil
	case IsMultiaddr(addr) && r.p2p != nil:
		return r.p2p, nil
	default:
		return nil, common.ErrConnection(addr, errors.New("no transport for address"))
	}
}

func (r *Router) Call(ctx context.Context, addr, method string, payload, reply interface{}) error {
	t, err := r.pick(addr)
	if err != nil {
		return err
	}
	return t.Call(ctx, addr, method, payload, reply)
}

func (r *Router) CallStreaming(ctx context.Context, addr, method string, payload interface{}) (Stream, error) {
	t, err := r.pick(addr)
	if err != nil {
		return nil, err
	}
	return t.CallStreaming(ctx, addr, method, payload)
}

// ctxError maps a finished context onto the transport error taxonomy. Deadlines become
// TimeoutError; explicit cancellation is returned as is.
func ctxError(ctx context.Context, method string, started time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.ErrTimeout(method, time.Since(started))
	}
	return ctx.Err()
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
