// Package mesh is the Queen: it owns the content store, peer registry, distribution and
// scheduler, serves the peer-facing RPC methods and exposes the operations the dashboard
// and CLI consume.
package mesh

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/scheduler"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/utils"
)

// Config holds Queen settings
type Config struct {
	NodeID           string
	HandshakeTimeout time.Duration
}

// Components are the subsystems a Queen coordinates. All are required except Bus.
type Components struct {
	Store       *cas.Store
	Registry    *routing.Registry
	Health      *routing.HealthMonitor
	Directory   routing.Directory
	Distributor *distribution.Distributor
	Scheduler   *scheduler.Scheduler
	Transport   transport.Transport
	Mux         *transport.Mux
	Bus         *events.Bus
}

// Queen coordinates the swarm.
type Queen struct {
	cfg Config
	Components
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncMu  sync.Mutex
	syncing map[string]struct{}
}

// New wires the Queen and registers its RPC handlers on c.Mux.
func New(cfg Config, c Components, logger *zap.Logger) *Queen {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queen{
		cfg:        cfg,
		Components: c,
		logger:     utils.Component(logger, "queen"),
		ctx:        ctx,
		cancel:     cancel,
		syncing:    make(map[string]struct{}),
	}

	c.Mux.Handle(common.MethodAnnounce, q.handleAnnounce)
	c.Mux.Handle(common.MethodHeartbeat, q.handleHeartbeat)
	c.Mux.Handle(common.MethodPing, q.handlePing)

	c.Registry.OnPeerEvicted(func(peerID string) {
		if err := c.Directory.DropPeer(q.ctx, peerID); err != nil {
			q.logger.Warn("failed to drop evicted peer from directory",
				zap.String("peer_id", utils.ShortID(peerID)), zap.Error(err))
		}
	})
	return q
}

// ID returns the Queen's node ID.
func (q *Queen) ID() string {
	return q.cfg.NodeID
}

// Start begins health monitoring and re-announces every locally held object.
func (q *Queen) Start(ctx context.Context) error {
	q.Health.Start(q.ctx)

	objects, err := q.Store.ListLocal(ctx)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := q.Distributor.Announce(ctx, obj.CID); err != nil {
			q.logger.Warn("failed to announce object", zap.String("cid", obj.CID), zap.Error(err))
		}
	}
	q.logger.Info("queen started",
		zap.String("node_id", utils.ShortID(q.cfg.NodeID)),
		zap.Int("objects", len(objects)))
	return nil
}

// Stop halts background work and waits for in-flight handshakes.
func (q *Queen) Stop() error {
	q.cancel()
	q.Health.Stop()
	q.wg.Wait()
	return q.Scheduler.Close()
}

// Ingest stores a byte stream and announces the resulting object.
func (q *Queen) Ingest(ctx context.Context, r io.Reader, declaredSize int64, opts cas.IngestOptions) (*cas.IngestResult, error) {
	res, err := q.Store.Ingest(ctx, r, declaredSize, opts)
	if err != nil {
		return nil, err
	}
	q.Bus.Publish(events.TopicContentIngested, IngestedEvent{
		Object:       res.Object.Summary(),
		Deduplicated: res.Deduplicated,
	})
	if err := q.Distributor.Announce(ctx, res.Object.CID); err != nil {
		return res, err
	}
	return res, nil
}

// IngestedEvent is published after every successful ingest.
type IngestedEvent struct {
	Object       common.ObjectSummary `json:"object"`
	Deduplicated bool                 `json:"deduplicated"`
}

// Resolve turns a model reference into a CID. A reference is either a CID known to the store
// or directory, or a catalog name.
func (q *Queen) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", common.ErrInvalidArgument("model reference is required")
	}
	if _, err := cas.ParseCID(ref); err == nil {
		if _, err := q.Distributor.Manifest(ctx, ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	return q.Store.ResolveName(ctx, ref)
}

// Infer resolves ref and submits a job.
func (q *Queen) Infer(ctx context.Context, ref string, payload common.JobPayload) (*scheduler.JobHandle, error) {
	cid, err := q.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return q.Scheduler.Submit(ctx, cid, payload)
}

// Catalog lists the objects held locally.
func (q *Queen) Catalog(ctx context.Context) ([]common.ObjectSummary, error) {
	return q.Store.ListLocal(ctx)
}

// Content streams the reassembled bytes of a locally held object.
func (q *Queen) Content(ctx context.Context, cid string) (io.ReadCloser, *common.ContentObject, error) {
	return q.Store.Reader(ctx, cid)
}

// Peers returns a snapshot of every known peer and the aggregate of their host metrics.
func (q *Queen) Peers() ([]common.PeerRecord, routing.AggregateMetrics) {
	return q.Registry.Snapshot(), q.Registry.Aggregate()
}

// Jobs lists retained jobs, newest first.
func (q *Queen) Jobs() []common.Job {
	return q.Scheduler.List()
}

// Job returns one retained job.
func (q *Queen) Job(jobID string) (common.Job, error) {
	return q.Scheduler.Get(jobID)
}

// CancelJob cancels a job that has not finished.
func (q *Queen) CancelJob(jobID string) error {
	return q.Scheduler.Cancel(jobID)
}

// Transfers lists replications in progress.
func (q *Queen) Transfers() []distribution.TransferSnapshot {
	return q.Distributor.Transfers()
}

// StatusReport summarises the Queen for the dashboard.
type StatusReport struct {
	NodeID  string                   `json:"node_id"`
	Role    common.Role              `json:"role"`
	Peers   int                      `json:"peers"`
	ByState map[string]int           `json:"peers_by_status"`
	Jobs    map[string]int           `json:"jobs"`
	Objects int                      `json:"objects"`
	Metrics routing.AggregateMetrics `json:"metrics"`
}

// Status reports peer and job counts.
func (q *Queen) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		NodeID:  q.cfg.NodeID,
		Role:    common.RoleQueen,
		ByState: make(map[string]int),
		Jobs:    make(map[string]int),
		Metrics: q.Registry.Aggregate(),
	}
	for status, n := range q.Registry.Counts() {
		report.ByState[status.String()] = n
		report.Peers += n
	}
	for state, n := range q.Scheduler.Counts() {
		report.Jobs[state.String()] = n
	}
	if objects, err := q.Store.ListLocal(ctx); err == nil {
		report.Objects = len(objects)
	}
	return report
}

func (q *Queen) handleAnnounce(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.AnnounceRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed announce")
	}
	rec, created, err := q.Registry.RegisterPeer(req)
	if err != nil {
		return nil, err
	}
	if created {
		q.logger.Info("peer announced",
			zap.String("peer_id", utils.ShortID(rec.ID)),
			zap.String("caller", caller),
			zap.String("address", rec.Address))
	}

	switch rec.Status {
	case common.StatusDiscovered, common.StatusUnreachable:
		q.startHandshake(rec.ID, rec.Address)
	}

	return common.AnnounceResponse{
		QueenID:           q.cfg.NodeID,
		Status:            rec.Status,
		HeartbeatInterval: q.Health.Config().HeartbeatInterval,
	}, nil
}

func (q *Queen) handleHeartbeat(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var req common.HeartbeatRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, common.ErrInvalidArgument("malformed heartbeat")
	}
	status, err := q.Registry.Heartbeat(req.PeerID, req.LatencyMs, req.Metrics)
	if common.IsCode(err, common.ErrCodeNotFound) {
		// Evicted or never announced: the peer must announce again.
		return common.HeartbeatResponse{Status: common.StatusEvicted, Rejoin: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if status == common.StatusUnreachable {
		if rec, ok := q.Registry.Get(req.PeerID); ok {
			q.startHandshake(rec.ID, rec.Address)
		}
	}
	return common.HeartbeatResponse{Status: status}, nil
}

func (q *Queen) handlePing(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	return common.PingResponse{PeerID: q.cfg.NodeID, Time: time.Now()}, nil
}

// startHandshake runs the capability and catalog exchange for a peer once at a time.
func (q *Queen) startHandshake(peerID, addr string) {
	q.syncMu.Lock()
	if _, ok := q.syncing[peerID]; ok {
		q.syncMu.Unlock()
		return
	}
	q.syncing[peerID] = struct{}{}
	q.syncMu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.syncMu.Lock()
			delete(q.syncing, peerID)
			q.syncMu.Unlock()
		}()
		if err := q.handshake(peerID, addr); err != nil {
			q.logger.Warn("handshake failed",
				zap.String("peer_id", utils.ShortID(peerID)),
				zap.String("address", addr),
				zap.Error(err))
		}
	}()
}

// handshake moves a Discovered peer through Syncing to Active, or returns a recovered
// Unreachable peer to Active, after learning which announced objects it holds.
func (q *Queen) handshake(peerID, addr string) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.HandshakeTimeout)
	defer cancel()

	rec, ok := q.Registry.Get(peerID)
	if !ok {
		return common.ErrNotFound("peer", peerID)
	}
	if rec.Status == common.StatusDiscovered {
		if err := q.Registry.BeginSync(peerID); err != nil {
			return err
		}
	}

	var desc common.DescribeResponse
	if err := q.Transport.Call(ctx, addr, common.MethodDescribe, struct{}{}, &desc); err != nil {
		if rec, ok := q.Registry.Get(peerID); ok && rec.Status == common.StatusSyncing {
			if uerr := q.Registry.MarkUnreachable(peerID); uerr != nil {
				q.logger.Warn("failed to mark peer unreachable",
					zap.String("peer_id", utils.ShortID(peerID)),
					zap.Error(uerr))
			}
		}
		return err
	}

	held := 0
	for _, cid := range desc.Objects {
		if _, err := q.Directory.Manifest(ctx, cid); err != nil {
			continue
		}
		if err := q.Directory.AddHolder(ctx, cid, peerID); err != nil {
			return err
		}
		held++
	}

	if rec, ok := q.Registry.Get(peerID); ok && (rec.Status == common.StatusActive || rec.Status == common.StatusComputing) {
		return nil
	}
	if err := q.Registry.Activate(peerID); err != nil {
		return err
	}
	q.logger.Info("peer active",
		zap.String("peer_id", utils.ShortID(peerID)),
		zap.Bool("gpu", desc.Capabilities.HasGPU),
		zap.Int("objects", held))
	return nil
}

// Discovered registers a peer found on the local network. It becomes eligible only after it
// announces itself and heartbeats.
func (q *Queen) Discovered(peerID, addr string) {
	_, created, err := q.Registry.RegisterPeer(common.AnnounceRequest{
		PeerID:  peerID,
		Address: addr,
		Role:    common.RoleDrone,
	})
	if err != nil {
		q.logger.Debug("ignoring discovered peer", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if created {
		q.startHandshake(peerID, addr)
	}
}
