package routing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/internal/utils"
)

// HealthConfig holds liveness thresholds.
type HealthConfig struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	GracePeriod       time.Duration
	// ScanInterval defaults to half the heartbeat interval.
	ScanInterval time.Duration
}

// DefaultHealthConfig returns production defaults
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatInterval: 5 * time.Second,
		MissThreshold:     3,
		GracePeriod:       60 * time.Second,
	}
}

// HealthMonitor runs one shared periodic scan over the registry instead of a timer per peer.
type HealthMonitor struct {
	registry *Registry
	cfg      HealthConfig
	logger   *zap.Logger

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor; call Start to begin scanning.
func NewHealthMonitor(registry *Registry, cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = def.MissThreshold
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = cfg.HeartbeatInterval / 2
	}
	return &HealthMonitor{
		registry: registry,
		cfg:      cfg,
		logger:   utils.Component(logger, "health"),
		shutdown: make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (h *HealthMonitor) Config() HealthConfig {
	return h.cfg
}

// Start launches the scan loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
	h.logger.Info("health monitor started",
		zap.Duration("heartbeat_interval", h.cfg.HeartbeatInterval),
		zap.Int("miss_threshold", h.cfg.MissThreshold),
		zap.Duration("grace_period", h.cfg.GracePeriod))
}

// Stop halts the scan loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	h.wg.Wait()
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Scan(h.registry.now())
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		}
	}
}

// ScanResult lists the peers moved by one scan.
type ScanResult struct {
	Unreachable []string
	Evicted     []string
}

// Scan applies liveness rules at time now: a peer that has missed MissThreshold consecutive
// heartbeat intervals becomes Unreachable; an Unreachable peer past its grace period is evicted.
func (h *HealthMonitor) Scan(now time.Time) ScanResult {
	var (
		lost    []transition
		evicted []transition
		res     ScanResult
	)

	r := h.registry
	r.mu.Lock()
	for id, rec := range r.peers {
		switch rec.Status {
		case common.StatusDiscovered, common.StatusSyncing, common.StatusActive, common.StatusComputing:
			missed := int(now.Sub(rec.LastHeartbeat) / h.cfg.HeartbeatInterval)
			rec.MissedHeartbeats = missed
			if missed < h.cfg.MissThreshold {
				continue
			}
			t, err := r.setStatus(rec, common.StatusUnreachable)
			if err != nil {
				continue
			}
			rec.JobID = ""
			rec.UnreachableSince = now
			lost = append(lost, t)
			res.Unreachable = append(res.Unreachable, id)

		case common.StatusUnreachable:
			if now.Sub(rec.UnreachableSince) < h.cfg.GracePeriod {
				continue
			}
			t, err := r.setStatus(rec, common.StatusEvicted)
			if err != nil {
				continue
			}
			delete(r.peers, id)
			evicted = append(evicted, t)
			res.Evicted = append(res.Evicted, id)
		}
	}
	r.mu.Unlock()

	for _, t := range lost {
		h.logger.Warn("peer missed heartbeats",
			zap.String("peer_id", utils.ShortID(t.peerID)),
			zap.String("job_id", t.jobID))
	}
	r.emit(lost...)
	r.emit(evicted...)
	return res
}
