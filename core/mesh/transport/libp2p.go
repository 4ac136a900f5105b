package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

// ProtocolID is the libp2p protocol carrying hive RPCs. Each call uses one libp2p stream with
// varint-length-prefixed JSON messages.
const ProtocolID = protocol.ID("/hive/rpc/1.0.0")

// P2PTransport carries RPCs over libp2p streams. Addresses are full multiaddrs ending in
// /p2p/<peer-id>.
type P2PTransport struct {
	host     host.Host
	cfg      Config
	breakers *breakers
	logger   *zap.Logger
}

// NewP2PTransport creates a libp2p client transport on h.
func NewP2PTransport(h host.Host, cfg Config, logger *zap.Logger) *P2PTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &P2PTransport{
		host:     h,
		cfg:      cfg,
		breakers: newBreakers(cfg, logger),
		logger:   logger,
	}
}

func (t *P2PTransport) open(ctx context.Context, addr string) (network.Stream, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, common.ErrConnection(addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, common.ErrConnection(addr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, common.ErrConnection(addr, err)
	}
	s, err := t.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, common.ErrConnection(addr, err)
	}
	return s, nil
}

func (t *P2PTransport) send(ctx context.Context, addr string, req RPCRequest) (network.Stream, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInternal, "unencodable request", err)
	}
	var s network.Stream
	err = t.breakers.run(addr, func() error {
		var err error
		if s, err = t.open(ctx, addr); err != nil {
			return err
		}
		if err := msgio.NewVarintWriter(s).WriteMsg(data); err != nil {
			s.Reset()
			return common.ErrConnection(addr, err)
		}
		// A unary request ends with a half-close. Streaming requests keep the write side open
		// so the server's read observes the reset from Stream.Close.
		if req.Stream {
			return nil
		}
		if err := s.CloseWrite(); err != nil {
			s.Reset()
			return common.ErrConnection(addr, err)
		}
		return nil
	})
	return s, err
}

// Call implements Transport.
func (t *P2PTransport) Call(ctx context.Context, addr, method string, payload, reply interface{}) error {
	ctx, cancel := withCallTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	req, err := newRequest(method, payload, false, deadline)
	if err != nil {
		return err
	}
	started := time.Now()

	s, err := t.send(ctx, addr, req)
	if err != nil {
		return err
	}
	defer s.Close()
	s.SetReadDeadline(deadline)

	type result struct {
		resp RPCResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		reader := msgio.NewVarintReaderSize(s, int(t.cfg.MaxMessageSize))
		msg, err := reader.ReadMsg()
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp RPCResponse
		err = json.Unmarshal(msg, &resp)
		reader.ReleaseMsg(msg)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return ctxError(ctx, method, started)
			}
			return common.ErrConnection(addr, r.err)
		}
		return decodeResult(r.resp, reply)
	case <-ctx.Done():
		s.Reset()
		return ctxError(ctx, method, started)
	}
}

// CallStreaming implements Transport.
func (t *P2PTransport) CallStreaming(ctx context.Context, addr, method string, payload interface{}) (Stream, error) {
	deadline, _ := ctx.Deadline()
	req, err := newRequest(method, payload, true, deadline)
	if err != nil {
		return nil, err
	}
	s, err := t.send(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	ps := &p2pStream{
		addr:    addr,
		method:  method,
		stream:  s,
		reader:  msgio.NewVarintReaderSize(s, int(t.cfg.MaxMessageSize)),
		frames:  make(chan RPCResponse, t.cfg.StreamBuffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		started: time.Now(),
	}
	go ps.readLoop()
	return ps, nil
}

type p2pStream struct {
	addr    string
	method  string
	stream  network.Stream
	reader  msgio.ReadCloser
	frames  chan RPCResponse
	done    chan struct{}
	stop    chan struct{}
	started time.Time

	readErr   error
	closed    atomic.Bool
	closeOnce sync.Once
	finished  bool
}

func (s *p2pStream) readLoop() {
	defer close(s.done)
	for {
		msg, err := s.reader.ReadMsg()
		if err != nil {
			s.readErr = err
			s.stream.Reset()
			return
		}
		var resp RPCResponse
		err = json.Unmarshal(msg, &resp)
		s.reader.ReleaseMsg(msg)
		if err != nil {
			s.readErr = err
			s.stream.Reset()
			return
		}
		select {
		case s.frames <- resp:
		case <-s.stop:
			return
		}
		if resp.Done || resp.Error != nil {
			s.stream.Close()
			return
		}
	}
}

func (s *p2pStream) Next(ctx context.Context) (json.RawMessage, error) {
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

func (s *p2pStream) frame(f RPCResponse) (json.RawMessage, error) {
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

func (s *p2pStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.stream.Reset()
	})
	return nil
}

// P2PServer serves the hive protocol on a libp2p host.
type P2PServer struct {
	host   host.Host
	mux    *Mux
	maxMsg int
	logger *zap.Logger
}

// NewP2PServer registers the protocol handler on h.
func NewP2PServer(h host.Host, mux *Mux, cfg Config, logger *zap.Logger) *P2PServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	srv := &P2PServer{host: h, mux: mux, maxMsg: int(cfg.MaxMessageSize), logger: logger}
	h.SetStreamHandler(ProtocolID, srv.handleStream)
	return srv
}

func (srv *P2PServer) handleStream(s network.Stream) {
	caller := s.Conn().RemotePeer().String()
	reader := msgio.NewVarintReaderSize(s, srv.maxMsg)

	msg, err := reader.ReadMsg()
	if err != nil {
		s.Reset()
		return
	}
	var req RPCRequest
	err = json.Unmarshal(msg, &req)
	reader.ReleaseMsg(msg)

	var writeMu sync.Mutex
	writer := msgio.NewVarintWriter(s)
	write := func(resp RPCResponse) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return writer.WriteMsg(data)
	}

	if err != nil {
		_ = write(RPCResponse{Error: toRPCError(common.ErrInvalidArgument("malformed request"))})
		s.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// A unary client half-closes after its request, so EOF is expected there. A streaming
		// client sends nothing more: any read result means it reset or went away.
		if _, err := reader.ReadMsg(); req.Stream || err != io.EOF {
			cancel()
		}
	}()

	srv.mux.serve(ctx, caller, req, write)
	if ctx.Err() != nil {
		s.Reset()
		return
	}
	s.Close()
}

// Close removes the protocol handler.
func (srv *P2PServer) Close() error {
	srv.host.RemoveStreamHandler(ProtocolID)
	return nil
}
