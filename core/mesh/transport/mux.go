package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

// Handler serves a request/response method. caller is the remote identity as seen by the
// server: the libp2p peer ID, or the X-Hive-Peer header for websocket clients.
type Handler func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error)

// StreamHandler serves a streaming method. Each send delivers one frame; returning nil ends
// the stream cleanly, returning an error ends it with an error frame.
type StreamHandler func(ctx context.Context, caller string, params json.RawMessage, send func(interface{}) error) error

// RateLimit bounds inbound requests per caller. Zero Rate disables limiting.
type RateLimit struct {
	Rate  int
	Burst int
}

// Mux routes inbound requests to registered handlers.
type Mux struct {
	mu       sync.RWMutex
	unary    map[string]Handler
	streams  map[string]StreamHandler
	limiter  *limiter.TokenBucket
	limStore store.Store
	logger   *zap.Logger
}

// NewMux creates an empty mux.
func NewMux(limit RateLimit, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mux{
		unary:   make(map[string]Handler),
		streams: make(map[string]StreamHandler),
		logger:  logger,
	}
	if limit.Rate > 0 {
		burst := limit.Burst
		if burst == 0 {
			burst = limit.Rate
		}
		st := store.NewMemoryStore(time.Minute)
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(limit.Rate),
				Duration: time.Second,
				Burst:    int64(burst),
			},
			st,
		)
		if err != nil {
			logger.Error("peer rate limiting disabled",
				zap.Int("rate", limit.Rate),
				zap.Int("burst", burst),
				zap.Error(err))
			st.Close()
			return m
		}
		m.limStore, m.limiter = st, tb
	}
	return m
}

// Handle registers a request/response method.
func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unary[method] = h
}

// HandleStream registers a streaming method.
func (m *Mux) HandleStream(method string, h StreamHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[method] = h
}

// Methods lists registered method names.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.unary)+len(m.streams))
	for name := range m.unary {
		out = append(out, name)
	}
	for name := range m.streams {
		out = append(out, name)
	}
	return out
}

func (m *Mux) allow(caller string) bool {
	if m.limiter == nil {
		return true
	}
	return m.limiter.Allow(caller)
}

// serve handles one request, writing every response frame through write. write must be safe
// to call from the handler goroutine.
func (m *Mux) serve(ctx context.Context, caller string, req RPCRequest, write func(RPCResponse) error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}

	if !m.allow(caller) {
		m.logger.Debug("rate limited", zap.String("caller", caller), zap.String("method", req.Method))
		_ = write(RPCResponse{ID: req.ID, Error: toRPCError(
			common.NewMeshError(common.ErrCodeRateLimited, "too many requests").WithContext("caller", caller))})
		return
	}

	m.mu.RLock()
	unary, isUnary := m.unary[req.Method]
	stream, isStream := m.streams[req.Method]
	m.mu.RUnlock()

	switch {
	case req.Stream && isStream:
		m.serveStream(ctx, caller, req, stream, write)
	case !req.Stream && isUnary:
		result, err := m.invoke(ctx, caller, req, unary)
		resp := RPCResponse{ID: req.ID}
		if err != nil {
			resp.Error = toRPCError(err)
		} else if resp.Result, err = json.Marshal(result); err != nil {
			resp.Result = nil
			resp.Error = toRPCError(common.WrapError(common.ErrCodeInternal, "unencodable result", err))
		}
		if err := write(resp); err != nil {
			m.logger.Debug("failed to write response", zap.String("method", req.Method), zap.Error(err))
		}
	default:
		_ = write(RPCResponse{ID: req.ID, Error: toRPCError(
			common.ErrNotFound("method", req.Method))})
	}
}

func (m *Mux) invoke(ctx context.Context, caller string, req RPCRequest, h Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", r))
			err = common.NewMeshError(common.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h(ctx, caller, req.Params)
}

func (m *Mux) serveStream(ctx context.Context, caller string, req RPCRequest, h StreamHandler, write func(RPCResponse) error) {
	var seq uint64
	send := func(v interface{}) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return common.WrapError(common.ErrCodeInternal, "unencodable frame", err)
		}
		seq++
		return write(RPCResponse{ID: req.ID, Seq: seq, Event: data})
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("stream handler panic", zap.String("method", req.Method), zap.Any("panic", r))
				err = common.NewMeshError(common.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		return h(ctx, caller, req.Params, send)
	}()

	final := RPCResponse{ID: req.ID, Seq: seq + 1, Done: err == nil}
	if err != nil {
		final.Error = toRPCError(err)
	}
	if werr := write(final); werr != nil && ctx.Err() == nil {
		m.logger.Debug("failed to finish stream", zap.String("method", req.Method), zap.Error(werr))
	}
}
