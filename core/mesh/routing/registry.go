// Package routing tracks swarm membership and content location. The Registry owns every
// PeerRecord; the HealthMonitor drives liveness transitions; a Directory records which peers
// hold which objects.
package routing

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/internal/utils"
)

// PeerLossHandler is invoked when a peer bound to a job stops being reachable.
type PeerLossHandler func(peerID, jobID string)

// EvictionHandler is invoked after a peer record has been removed.
type EvictionHandler func(peerID string)

// RegistryConfig holds registry tuning.
type RegistryConfig struct {
	// LatencyAlpha is the EMA smoothing factor applied to latency samples.
	LatencyAlpha float64
}

// DefaultRegistryConfig returns production defaults
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{LatencyAlpha: 0.3}
}

// PeerStatusEvent is published on every status change.
type PeerStatusEvent struct {
	PeerID string            `json:"peer_id"`
	From   common.PeerStatus `json:"from"`
	To     common.PeerStatus `json:"to"`
	JobID  string            `json:"job_id,omitempty"`
}

// Registry is the single owner of peer state. One mutex guards the peer table and is held
// only for check-and-set; handlers and event publication run after it is released.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*common.PeerRecord

	cfg    RegistryConfig
	now    func() time.Time
	events events.Publisher
	logger *zap.Logger

	hooksMu   sync.RWMutex
	onLoss    []PeerLossHandler
	onEvicted []EvictionHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, pub events.Publisher, logger *zap.Logger) *Registry {
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = DefaultRegistryConfig().LatencyAlpha
	}
	if pub == nil {
		pub = (*events.Bus)(nil)
	}
	return &Registry{
		peers:  make(map[string]*common.PeerRecord),
		cfg:    cfg,
		now:    time.Now,
		events: pub,
		logger: utils.Component(logger, "registry"),
	}
}

// OnPeerLost registers a handler for peer loss of a bound job.
func (r *Registry) OnPeerLost(h PeerLossHandler) {
	r.hooksMu.Lock()
	r.onLoss = append(r.onLoss, h)
	r.hooksMu.Unlock()
}

// OnPeerEvicted registers a handler run after eviction.
func (r *Registry) OnPeerEvicted(h EvictionHandler) {
	r.hooksMu.Lock()
	r.onEvicted = append(r.onEvicted, h)
	r.hooksMu.Unlock()
}

type transition struct {
	peerID string
	from   common.PeerStatus
	to     common.PeerStatus
	jobID  string
}

// emit runs after the registry lock has been released.
func (r *Registry) emit(ts ...transition) {
	for _, t := range ts {
		r.logger.Info("peer status changed",
			zap.String("peer_id", utils.ShortID(t.peerID)),
			zap.Stringer("from", t.from),
			zap.Stringer("to", t.to))
		r.events.Publish(events.TopicPeerStatus, PeerStatusEvent{PeerID: t.peerID, From: t.from, To: t.to, JobID: t.jobID})

		if t.to == common.StatusUnreachable && t.jobID != "" {
			r.hooksMu.RLock()
			handlers := append([]PeerLossHandler(nil), r.onLoss...)
			r.hooksMu.RUnlock()
			for _, h := range handlers {
				h(t.peerID, t.jobID)
			}
		}
		if t.to == common.StatusEvicted {
			r.hooksMu.RLock()
			handlers := append([]EvictionHandler(nil), r.onEvicted...)
			r.hooksMu.RUnlock()
			for _, h := range handlers {
				h(t.peerID)
			}
		}
	}
}

// setStatus validates and applies a transition. Caller holds r.mu.
func (r *Registry) setStatus(rec *common.PeerRecord, next common.PeerStatus) (transition, error) {
	if !rec.Status.CanTransition(next) {
		return transition{}, common.ErrInvalidTransition(rec.ID, rec.Status, next)
	}
	t := transition{peerID: rec.ID, from: rec.Status, to: next, jobID: rec.JobID}
	rec.Status = next
	return t, nil
}

// RegisterPeer records an announcing peer. New peers start Discovered; a known peer has its
// address and capabilities refreshed. The returned bool is true for a new record.
func (r *Registry) RegisterPeer(req common.AnnounceRequest) (common.PeerRecord, bool, error) {
	if req.PeerID == "" {
		return common.PeerRecord{}, false, common.ErrInvalidArgument("peer id is required")
	}
	if req.Address == "" {
		return common.PeerRecord{}, false, common.ErrInvalidArgument("peer address is required").
			WithContext("peer_id", req.PeerID)
	}

	now := r.now()
	r.mu.Lock()
	rec, ok := r.peers[req.PeerID]
	if ok {
		rec.Address = req.Address
		rec.Capabilities = req.Capabilities
		rec.Metrics = req.Metrics
		rec.LastHeartbeat = now
		rec.MissedHeartbeats = 0
		out := *rec
		r.mu.Unlock()
		return out, false, nil
	}

	rec = &common.PeerRecord{
		ID:            req.PeerID,
		Address:       req.Address,
		Role:          req.Role,
		Capabilities:  req.Capabilities,
		Metrics:       req.Metrics,
		Status:        common.StatusDiscovered,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.peers[req.PeerID] = rec
	out := *rec
	r.mu.Unlock()

	r.logger.Info("peer discovered",
		zap.String("peer_id", utils.ShortID(req.PeerID)),
		zap.String("address", req.Address),
		zap.Bool("gpu", req.Capabilities.HasGPU))
	r.events.Publish(events.TopicPeerStatus, PeerStatusEvent{PeerID: req.PeerID, From: common.StatusDiscovered, To: common.StatusDiscovered})
	return out, true, nil
}

func (r *Registry) transitionTo(peerID string, next common.PeerStatus) error {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return common.ErrNotFound("peer_id", peerID)
	}
	t, err := r.setStatus(rec, next)
	if err == nil {
		switch next {
		case common.StatusUnreachable:
			rec.JobID = ""
			rec.UnreachableSince = r.now()
		case common.StatusActive:
			rec.Synced = true
			rec.UnreachableSince = time.Time{}
		}
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(t)
	return nil
}

// BeginSync moves a Discovered peer to Syncing.
func (r *Registry) BeginSync(peerID string) error {
	return r.transitionTo(peerID, common.StatusSyncing)
}

// Activate moves a Syncing (or recovered Unreachable) peer to Active and marks its
// catalog exchange complete.
func (r *Registry) Activate(peerID string) error {
	return r.transitionTo(peerID, common.StatusActive)
}

// MarkUnreachable takes a peer out of service and unbinds any job it was running.
// Registered loss handlers are notified before this returns.
func (r *Registry) MarkUnreachable(peerID string) error {
	return r.transitionTo(peerID, common.StatusUnreachable)
}

// Evict removes an Unreachable peer.
func (r *Registry) Evict(peerID string) error {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return common.ErrNotFound("peer_id", peerID)
	}
	t, err := r.setStatus(rec, common.StatusEvicted)
	if err == nil {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(t)
	return nil
}

// Heartbeat refreshes liveness, folds in a latency sample (<= 0 means no sample) and stores
// host metrics. A heartbeat from an Unreachable peer returns it to Active only if the peer
// finished a catalog exchange before; otherwise it stays Unreachable until one succeeds.
func (r *Registry) Heartbeat(peerID string, latencyMs float64, metrics common.HostMetrics) (common.PeerStatus, error) {
	now := r.now()
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return common.StatusEvicted, common.ErrNotFound("peer_id", peerID)
	}

	rec.LastHeartbeat = now
	rec.MissedHeartbeats = 0
	rec.Metrics = metrics
	if latencyMs > 0 {
		if !rec.HasLatencySample() {
			rec.LatencyMs = latencyMs
			rec.MarkLatencySampled()
		} else {
			a := r.cfg.LatencyAlpha
			rec.LatencyMs = a*latencyMs + (1-a)*rec.LatencyMs
		}
	}

	var ts []transition
	if rec.Status == common.StatusUnreachable && rec.Synced {
		t, _ := r.setStatus(rec, common.StatusActive)
		rec.UnreachableSince = time.Time{}
		ts = append(ts, t)
	}
	status := rec.Status
	r.mu.Unlock()

	r.emit(ts...)
	r.events.Publish(events.TopicPeerHeartbeat, map[string]interface{}{"peer_id": peerID, "latency_ms": latencyMs})
	return status, nil
}

// Claim atomically moves an Active peer to Computing and binds jobID. Exactly one of
// several concurrent claims on the same peer succeeds; the rest get ErrCodeConflict.
func (r *Registry) Claim(peerID, jobID string) error {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return common.ErrNotFound("peer_id", peerID)
	}
	if rec.Status != common.StatusActive || rec.JobID != "" {
		status := rec.Status
		r.mu.Unlock()
		return common.NewMeshError(common.ErrCodeConflict, "peer is not available").
			WithContext("peer_id", peerID).
			WithContext("status", status.String())
	}
	t, _ := r.setStatus(rec, common.StatusComputing)
	rec.JobID = jobID
	t.jobID = jobID
	r.mu.Unlock()

	r.emit(t)
	return nil
}

// Release unbinds jobID from the peer and returns it to Active. Releasing a peer that no
// longer holds the job (lost, evicted, or already released) is a no-op.
func (r *Registry) Release(peerID, jobID string) {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok || rec.JobID != jobID || rec.Status != common.StatusComputing {
		r.mu.Unlock()
		return
	}
	rec.JobID = ""
	t, _ := r.setStatus(rec, common.StatusActive)
	r.mu.Unlock()

	r.emit(t)
}

// Get returns a copy of one record.
func (r *Registry) Get(peerID string) (common.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return common.PeerRecord{}, false
	}
	return *rec, true
}

// ListEligible returns Active peers matching filter, lowest latency first, ties by ID.
func (r *Registry) ListEligible(filter common.CapabilityFilter) []common.PeerRecord {
	r.mu.Lock()
	out := make([]common.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if rec.Status != common.StatusActive || rec.Role != common.RoleDrone {
			continue
		}
		if !filter.Matches(rec.Capabilities) {
			continue
		}
		out = append(out, *rec)
	}
	r.mu.Unlock()

	SortByLatency(out)
	return out
}

// SortByLatency orders peers by latency, then ID.
func SortByLatency(peers []common.PeerRecord) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].LatencyMs != peers[j].LatencyMs {
			return peers[i].LatencyMs < peers[j].LatencyMs
		}
		return peers[i].ID < peers[j].ID
	})
}

// Snapshot returns copies of all records ordered by ID.
func (r *Registry) Snapshot() []common.PeerRecord {
	r.mu.Lock()
	out := make([]common.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of peers in each status.
func (r *Registry) Counts() map[common.PeerStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[common.PeerStatus]int)
	for _, rec := range r.peers {
		out[rec.Status]++
	}
	return out
}

// AggregateMetrics summarises host metrics across reachable peers: CPU and GPU are averaged,
// memory is summed.
type AggregateMetrics struct {
	Peers         int     `json:"peers"`
	CPUPercent    float64 `json:"cpu_usage"`
	GPUPercent    float64 `json:"gpu_usage"`
	MemUsedBytes  uint64  `json:"used_mem"`
	MemTotalBytes uint64  `json:"total_mem"`
}

// Aggregate computes AggregateMetrics over non-Unreachable peers.
func (r *Registry) Aggregate() AggregateMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var agg AggregateMetrics
	for _, rec := range r.peers {
		if rec.Status == common.StatusUnreachable {
			continue
		}
		agg.Peers++
		agg.CPUPercent += rec.Metrics.CPUPercent
		agg.GPUPercent += rec.Metrics.GPUPercent
		agg.MemUsedBytes += rec.Metrics.MemUsedBytes
		agg.MemTotalBytes += rec.Metrics.MemTotalBytes
	}
	if agg.Peers > 0 {
		agg.CPUPercent /= float64(agg.Peers)
		agg.GPUPercent /= float64(agg.Peers)
	}
	return agg
}
