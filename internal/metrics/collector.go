// Package metrics exports swarm metrics to prometheus. Counters are fed from the event bus;
// gauges are read from the registry on scrape.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/scheduler"
	"github.com/hivecompute/hive/internal/utils"
)

// PeerCounter reports peers by membership status.
type PeerCounter interface {
	Counts() map[common.PeerStatus]int
}

// Collector owns a dedicated prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted   prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	jobRetries      prometheus.Counter
	jobDuration     *prometheus.HistogramVec
	dispatchLatency prometheus.Histogram

	transfers     *prometheus.CounterVec
	chunksMoved   prometheus.Counter
	transferBytes prometheus.Counter

	objectsIngested *prometheus.CounterVec
	ingestedBytes   prometheus.Counter

	mu         sync.Mutex
	queuedAt   map[string]time.Time
	dispatched map[string]time.Time

	logger *zap.Logger
}

// NewCollector registers every collector under namespace. peers and bus may be nil.
func NewCollector(namespace string, peers PeerCounter, bus *events.Bus, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry:   reg,
		queuedAt:   make(map[string]time.Time),
		dispatched: make(map[string]time.Time),
		logger:     utils.Component(logger, "metrics"),
	}

	c.jobsSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted by the scheduler",
	})
	c.jobsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached a terminal state",
	}, []string{"state", "cause"})
	c.jobRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_retries_total",
		Help:      "Jobs requeued after a retryable failure",
	})
	c.jobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from submission to terminal state",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 1200},
	}, []string{"state"})
	c.dispatchLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch to the first event from the peer",
		Buckets:   prometheus.DefBuckets,
	})

	c.transfers = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_transfers_total",
		Help:      "Replication transfers by outcome",
	}, []string{"state"})
	c.chunksMoved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_moved_total",
		Help:      "Chunks delivered to peers",
	})
	c.transferBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_bytes_total",
		Help:      "Decoded chunk bytes delivered to peers",
	})

	c.objectsIngested = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "objects_ingested_total",
		Help:      "Ingest calls by dedup outcome",
	}, []string{"deduplicated"})
	c.ingestedBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingested_bytes_total",
		Help:      "Bytes of newly stored objects",
	})

	if peers != nil {
		reg.MustRegister(&peerCollector{
			peers: peers,
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "peers"),
				"Peers by membership status",
				[]string{"status"}, nil),
		})
	}
	if bus != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Bus events lost to slow subscribers",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	reg.MustRegister(collectors.NewGoCollector())
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx is done or the bus closes.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(1024,
		events.TopicJobState,
		events.TopicTransferChunk,
		events.TopicTransferDone,
		events.TopicContentIngested)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe folds one bus event into the collectors.
func (c *Collector) Observe(ev events.Event) {
	switch data := ev.Data.(type) {
	case scheduler.JobEvent:
		c.observeJob(data)
	case distribution.ChunkProgress:
		c.chunksMoved.Inc()
	case distribution.TransferSnapshot:
		c.transfers.WithLabelValues(string(data.State)).Inc()
		c.transferBytes.Add(float64(data.BytesMoved))
	case mesh.IngestedEvent:
		if data.Deduplicated {
			c.objectsIngested.WithLabelValues("true").Inc()
			return
		}
		c.objectsIngested.WithLabelValues("false").Inc()
		c.ingestedBytes.Add(float64(data.Object.Size))
	}
}

func (c *Collector) observeJob(ev scheduler.JobEvent) {
	if ev.Kind != scheduler.EventState {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case ev.State == common.JobQueued && ev.From == common.JobQueued:
		c.jobsSubmitted.Inc()
		c.queuedAt[ev.JobID] = ev.Time
	case ev.State == common.JobQueued:
		c.jobRetries.Inc()
		delete(c.dispatched, ev.JobID)
	case ev.State == common.JobDispatched:
		c.dispatched[ev.JobID] = ev.Time
	case ev.State == common.JobRunning:
		if at, ok := c.dispatched[ev.JobID]; ok {
			c.dispatchLatency.Observe(ev.Time.Sub(at).Seconds())
			delete(c.dispatched, ev.JobID)
		}
	case ev.Final:
		c.jobsCompleted.WithLabelValues(ev.State.String(), string(ev.Cause)).Inc()
		if at, ok := c.queuedAt[ev.JobID]; ok {
			c.jobDuration.WithLabelValues(ev.State.String()).Observe(ev.Time.Sub(at).Seconds())
		}
		delete(c.queuedAt, ev.JobID)
		delete(c.dispatched, ev.JobID)
	}
}

type peerCollector struct {
	peers PeerCounter
	desc  *prometheus.Desc
}

func (p *peerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *peerCollector) Collect(ch chan<- prometheus.Metric) {
	counts := p.peers.Counts()
	for s := common.StatusDiscovered; s <= common.StatusUnreachable; s++ {
		ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}
