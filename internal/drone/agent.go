// Package drone is the peer-side agent: it announces itself to a Queen, heartbeats, serves
// chunks and runs inference jobs on a pluggable backend.
package drone

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/utils"
)

// DefaultPort is the reference Drone's RPC port.
const DefaultPort = 50052

// Config holds agent settings
type Config struct {
	PeerID string
	// QueenAddr is the Queen's RPC address (ws:// URL or multiaddr).
	QueenAddr string
	// AdvertiseAddr is the address the Queen dials back.
	AdvertiseAddr string
	Capabilities  common.Capabilities
	// HeartbeatInterval overrides the interval the Queen returns on announce.
	HeartbeatInterval time.Duration
	RetryInterval     time.Duration
}

// Agent is a running Drone.
type Agent struct {
	cfg       Config
	store     *cas.Store
	transport transport.Transport
	backend   Backend
	logger    *zap.Logger

	status    atomic.Int32
	busy      atomic.Bool
	latencyMs atomic.Uint64 // float64 bits of the last heartbeat round trip

	mu      sync.Mutex
	queenID string
	jobID   string
}

// New creates an agent and registers its handlers on mux.
func New(cfg Config, store *cas.Store, tr transport.Transport, mux *transport.Mux, backend Backend, logger *zap.Logger) *Agent {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if backend == nil {
		backend = EchoBackend{}
	}
	if cfg.Capabilities.Backend == "" {
		cfg.Capabilities.Backend = backend.Name()
	}
	a := &Agent{
		cfg:       cfg,
		store:     store,
		transport: tr,
		backend:   backend,
		logger:    utils.Component(logger, "drone"),
	}
	a.status.Store(int32(common.StatusDiscovered))

	mux.Handle(common.MethodDescribe, a.handleDescribe)
	mux.Handle(common.MethodPing, a.handlePing)
	mux.Handle(common.MethodChunkHave, a.handleChunkHave)
	mux.Handle(common.MethodChunkManifest, a.handleChunkManifest)
	mux.Handle(common.MethodChunkStore, a.handleChunkStore)
	mux.Handle(common.MethodChunkFetch, a.handleChunkFetch)
	mux.HandleStream(common.MethodInfer, a.handleInfer)
	return a
}

// Status returns the membership status last reported by the Queen.
func (a *Agent) Status() common.PeerStatus {
	return common.PeerStatus(a.status.Load())
}

// QueenID returns the ID of the Queen this agent joined, if any.
func (a *Agent) QueenID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queenID
}

// Run announces to the Queen and heartbeats until ctx is done, re-announcing whenever the
// Queen asks the agent to rejoin.
func (a *Agent) Run(ctx context.Context) error {
	for {
		interval, err := a.announce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("announce failed, retrying",
				zap.String("queen", a.cfg.QueenAddr),
				zap.Duration("retry_in", a.cfg.RetryInterval),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.RetryInterval):
			}
			continue
		}
		a.heartbeatLoop(ctx, interval)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (a *Agent) announce(ctx context.Context) (time.Duration, error) {
	req := common.AnnounceRequest{
		PeerID:       a.cfg.PeerID,
		Address:      a.cfg.AdvertiseAddr,
		Role:         common.RoleDrone,
		Capabilities: a.cfg.Capabilities,
		Metrics:      a.hostMetrics(),
	}
	start := time.Now()
	var resp common.AnnounceResponse
	if err := a.transport.Call(ctx, a.cfg.QueenAddr, common.MethodAnnounce, req, &resp); err != nil {
		return 0, err
	}
	a.recordLatency(time.Since(start))
	a.status.Store(int32(resp.Status))
	a.mu.Lock()
	a.queenID = resp.QueenID
	a.mu.Unlock()

	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = resp.HeartbeatInterval
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.logger.Info("announced to queen",
		zap.String("queen_id", utils.ShortID(resp.QueenID)),
		zap.Stringer("status", resp.Status),
		zap.Duration("heartbeat_interval", interval))
	return interval, nil
}

// heartbeatLoop returns when ctx is done or the Queen requests a rejoin.
func (a *Agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rejoin, err := a.heartbeat(ctx)
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", zap.Error(err))
		}
		if rejoin {
			a.logger.Info("queen requested rejoin")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) (bool, error) {
	a.mu.Lock()
	jobID := a.jobID
	a.mu.Unlock()

	req := common.HeartbeatRequest{
		PeerID:    a.cfg.PeerID,
		LatencyMs: a.lastLatency(),
		Metrics:   a.hostMetrics(),
		JobID:     jobID,
	}
	start := time.Now()
	var resp common.HeartbeatResponse
	if err := a.transport.Call(ctx, a.cfg.QueenAddr, common.MethodHeartbeat, req, &resp); err != nil {
		return false, err
	}
	a.recordLatency(time.Since(start))
	a.status.Store(int32(resp.Status))
	return resp.Rejoin, nil
}

func (a *Agent) recordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms <= 0 {
		ms = 0.001
	}
	a.latencyMs.Store(math.Float64bits(ms))
}

func (a *Agent) lastLatency() float64 {
	return math.Float64frombits(a.latencyMs.Load())
}

// hostMetrics reports Go runtime memory against the advertised capacity. CPU and GPU load
// are left to backends that can measure them.
func (a *Agent) hostMetrics() common.HostMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return common.HostMetrics{
		MemUsedBytes:  ms.Sys,
		MemTotalBytes: a.cfg.Capabilities.MemoryBytes,
	}
}

func (a *Agent) handleDescribe(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	objects, err := a.store.ListLocal(ctx)
	if err != nil {
		return nil, err
	}
	cids := make([]string, 0, len(objects))
	for _, o := range objects {
		cids = append(cids, o.CID)
	}
	return common.DescribeResponse{
		PeerID:       a.cfg.PeerID,
		Capabilities: a.cfg.Capabilities,
		Objects:      cids,
	}, nil
}

func (a *Agent) handlePing(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	return common.PingResponse{PeerID: a.cfg.PeerID, Time: time.Now()}, nil
}

func (a *Agent) handleChunkHave(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.ChunkHaveRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed chunk.have")
	}
	st, err := a.store.HaveChunks(ctx, req.CID)
	if err != nil {
		return nil, err
	}
	return common.ChunkHaveResponse{Known: st.Known, Complete: st.Complete, Indices: st.Indices}, nil
}

func (a *Agent) handleChunkManifest(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.ChunkManifestRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed chunk.manifest")
	}
	if err := a.store.ImportManifest(ctx, req.Object); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (a *Agent) handleChunkStore(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.ChunkPayload
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed chunk.store")
	}
	limit, err := a.store.ChunkLength(ctx, req.CID, req.Index)
	if err != nil {
		return nil, err
	}
	data, err := distribution.DecodeChunk(req, limit)
	if err != nil {
		return nil, err
	}
	complete, err := a.store.PutChunk(ctx, req.CID, req.Index, data)
	if err != nil {
		return nil, err
	}
	if complete {
		a.logger.Info("object complete", zap.String("cid", req.CID))
	}
	return common.ChunkStoreResponse{Complete: complete}, nil
}

func (a *Agent) handleChunkFetch(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.ChunkFetchRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed chunk.fetch")
	}
	data, err := a.store.ReadChunk(ctx, req.CID, req.Index)
	if err != nil {
		return nil, err
	}
	return distribution.EncodeChunk(req.CID, req.Index, cas.ChunkDigest(data), data, req.AcceptEncoding), nil
}

func (a *Agent) handleInfer(ctx context.Context, caller string, params json.RawMessage, send func(interface{}) error) error {
	var req common.InferRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return common.ErrInvalidArgument("malformed infer request")
	}
	if !a.busy.CompareAndSwap(false, true) {
		return send(common.InferEvent{
			Kind:      common.InferError,
			Code:      common.ErrCodeCapacity,
			Message:   "drone is already running a job",
			Retryable: true,
		})
	}
	defer a.busy.Store(false)

	obj, err := a.store.Resolve(ctx, req.CID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.jobID = req.JobID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.jobID = ""
		a.mu.Unlock()
	}()

	log := a.logger.With(zap.String("job_id", req.JobID), zap.String("cid", req.CID))
	log.Info("job started", zap.String("backend", a.backend.Name()))
	if err := send(common.InferEvent{Kind: common.InferStarted}); err != nil {
		return err
	}

	emit := func(ev common.InferEvent) error { return send(ev) }
	result, err := a.backend.Infer(ctx, obj, req.Payload, emit)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("job aborted by queen")
			return ctx.Err()
		}
		log.Warn("job failed", zap.Error(err))
		code := common.CodeOf(err)
		if code == common.ErrCodeInternal {
			code = common.ErrCodeContent
		}
		return send(common.InferEvent{
			Kind:      common.InferError,
			Code:      code,
			Message:   err.Error(),
			Retryable: common.IsTransient(err),
		})
	}
	log.Info("job finished")
	return send(common.InferEvent{Kind: common.InferDone, Result: result})
}
