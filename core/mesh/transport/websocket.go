package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

// PeerHeader carries the caller's node ID on the websocket upgrade request.
const PeerHeader = "X-Hive-Peer"

const writeWait = 10 * time.Second

// WSTransport is the websocket client. Request/response calls share one pooled connection per
// address and are demultiplexed by request ID; each stream gets a dedicated connection so that
// closing the stream tears down exactly that call.
type WSTransport struct {
	cfg      Config
	dialer   *websocket.Dialer
	breakers *breakers
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

// NewWSTransport creates a websocket client transport.
func NewWSTransport(cfg Config, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &WSTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		breakers: newBreakers(cfg, logger),
		logger:   logger,
		conns:    make(map[string]*wsConn),
	}
}

// BreakerState exposes the circuit state for addr.
func (t *WSTransport) BreakerState(addr string) gobreaker.State {
	return t.breakers.state(addr)
}

func (t *WSTransport) dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.LocalID != "" {
		header.Set(PeerHeader, t.cfg.LocalID)
	}
	conn, _, err := t.dialer.DialContext(ctx, addr, header)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, common.ErrConnection(addr, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	return conn, nil
}

func (t *WSTransport) pooled(ctx context.Context, addr string) (*wsConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, common.ErrConnection(addr, errors.New("transport closed"))
	}
	if c, ok := t.conns[addr]; ok && !c.isClosed() {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	raw, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[addr]; ok && !existing.isClosed() {
		raw.Close()
		return existing, nil
	}
	c := newWSConn(addr, raw, t.logger)
	t.conns[addr] = c
	go c.readLoop()
	return c, nil
}

// Call implements Transport.
func (t *WSTransport) Call(ctx context.Context, addr, method string, payload, reply interface{}) error {
	ctx, cancel := withCallTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	req, err := newRequest(method, payload, false, deadline)
	if err != nil {
		return err
	}

	started := time.Now()
	var resp RPCResponse
	err = t.breakers.run(addr, func() error {
		c, err := t.pooled(ctx, addr)
		if err != nil {
			return err
		}
		resp, err = c.roundTrip(ctx, req, started)
		return err
	})
	if err != nil {
		return err
	}
	return decodeResult(resp, reply)
}

// CallStreaming implements Transport.
func (t *WSTransport) CallStreaming(ctx context.Context, addr, method string, payload interface{}) (Stream, error) {
	deadline, _ := ctx.Deadline()
	req, err := newRequest(method, payload, true, deadline)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInternal, "unencodable request", err)
	}

	var conn *websocket.Conn
	err = t.breakers.run(addr, func() error {
		var err error
		if conn, err = t.dial(ctx, addr); err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return common.ErrConnection(addr, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &wsStream{
		addr:    addr,
		method:  method,
		conn:    conn,
		frames:  make(chan RPCResponse, t.cfg.StreamBuffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		started: time.Now(),
	}
	go s.readLoop()
	return s, nil
}

// Close tears down all pooled connections.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.closed = true
	t.mu.Unlock()
	for _, c := range conns {
		c.close(errors.New("transport closed"))
	}
	return nil
}

// wsConn is a pooled connection shared by concurrent calls.
type wsConn struct {
	addr    string
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan RPCResponse
	done    chan struct{}
	err     error
	once    sync.Once
}

func newWSConn(addr string, conn *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		addr:    addr,
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan RPCResponse),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) close(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		var resp RPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("dropping undecodable response", zap.String("address", c.addr), zap.Error(err))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *wsConn) roundTrip(ctx context.Context, req RPCRequest, started time.Time) (RPCResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return RPCResponse{}, common.WrapError(common.ErrCodeInternal, "unencodable request", err)
	}

	ch := make(chan RPCResponse, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.close(err)
		return RPCResponse{}, common.ErrConnection(c.addr, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		c.mu.Lock()
		cause := c.err
		c.mu.Unlock()
		return RPCResponse{}, common.ErrConnection(c.addr, cause)
	case <-ctx.Done():
		return RPCResponse{}, ctxError(ctx, req.Method, started)
	}
}

// wsStream reads frames of one streaming call from its dedicated connection.
type wsStream struct {
	addr    string
	method  string
	conn    *websocket.Conn
	frames  chan RPCResponse
	done    chan struct{}
	stop    chan struct{}
	started time.Time

	readErr   error
	closed    atomic.Bool
	closeOnce sync.Once
	finished  bool
}

func (s *wsStream) readLoop() {
	defer close(s.done)
	defer s.conn.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			return
		}
		var resp RPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.readErr = err
			return
		}
		select {
		case s.frames <- resp:
		case <-s.stop:
			return
		}
		if resp.Done || resp.Error != nil {
			return
		}
	}
}

func (s *wsStream) Next(ctx context.Context) (json.RawMessage, error) {
	if s.finished {
		return nil, io.EOF
	}
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	select {
	case f := <-s.frames:
		return s.frame(f)
	default:
	}
	select {
	case f := <-s.frames:
		return s.frame(f)
	case <-s.done:
		select {
		case f := <-s.frames:
			return s.frame(f)
		default:
		}
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		return nil, common.ErrConnection(s.addr, s.readErr)
	case <-ctx.Done():
		return nil, ctxError(ctx, s.method, s.started)
	}
}

func (s *wsStream) frame(f RPCResponse) (json.RawMessage, error) {
	if f.Error != nil {
		s.finished = true
		return nil, f.Error.Err()
	}
	if f.Done {
		s.finished = true
		return nil, io.EOF
	}
	return f.Event, nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.conn.Close()
	})
	return nil
}

// WSServer accepts websocket connections and dispatches their requests into a Mux.
type WSServer struct {
	mux      *Mux
	upgrader websocket.Upgrader
	maxMsg   int64
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]context.CancelFunc
}

// NewWSServer creates an http.Handler serving RPCs over websocket.
func NewWSServer(mux *Mux, cfg Config, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &WSServer{
		mux: mux,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		maxMsg: cfg.MaxMessageSize,
		logger: logger,
		conns:  make(map[*websocket.Conn]context.CancelFunc),
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.maxMsg)

	caller := r.Header.Get(PeerHeader)
	if caller == "" {
		caller = r.RemoteAddr
	}

	// Handlers are cancelled as soon as the connection drops.
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conns[conn] = cancel
	s.mu.Unlock()

	var writeMu sync.Mutex
	write := func(resp RPCResponse) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	var wg sync.WaitGroup
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var req RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = write(RPCResponse{Error: toRPCError(common.ErrInvalidArgument("malformed request"))})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.mux.serve(ctx, caller, req, write)
		}()
	}

	cancel()
	conn.Close()
	wg.Wait()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close drops every open connection.
func (s *WSServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, cancel := range s.conns {
		cancel()
		conn.Close()
	}
	return nil
}
