package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/scheduler"
)

type staticPeers map[common.PeerStatus]int

func (s staticPeers) Counts() map[common.PeerStatus]int { return s }

func jobEvent(id string, from, to common.JobState, at time.Time) events.Event {
	return events.Event{Topic: events.TopicJobState, Data: scheduler.JobEvent{
		JobID: id, Kind: scheduler.EventState, From: from, State: to, Time: at,
	}}
}

func finalEvent(id string, from, to common.JobState, cause common.FailureCause, at time.Time) events.Event {
	return events.Event{Topic: events.TopicJobState, Data: scheduler.JobEvent{
		JobID: id, Kind: scheduler.EventState, From: from, State: to, Cause: cause, Final: true, Time: at,
	}}
}

func TestCollector_JobLifecycle(t *testing.T) {
	c := NewCollector("hive", nil, nil, zap.NewNop())
	t0 := time.Now()

	c.Observe(jobEvent("j1", common.JobQueued, common.JobQueued, t0))
	c.Observe(jobEvent("j1", common.JobQueued, common.JobDispatched, t0.Add(10*time.Millisecond)))
	c.Observe(jobEvent("j1", common.JobDispatched, common.JobFailed, t0.Add(20*time.Millisecond)))
	c.Observe(jobEvent("j1", common.JobFailed, common.JobQueued, t0.Add(20*time.Millisecond)))
	c.Observe(jobEvent("j1", common.JobQueued, common.JobDispatched, t0.Add(30*time.Millisecond)))
	c.Observe(jobEvent("j1", common.JobDispatched, common.JobRunning, t0.Add(80*time.Millisecond)))
	c.Observe(finalEvent("j1", common.JobRunning, common.JobSucceeded, common.CauseNone, t0.Add(time.Second)))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("succeeded", "")))
	assert.Zero(t, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("failed", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.dispatchLatency))

	c.mu.Lock()
	assert.Empty(t, c.queuedAt)
	assert.Empty(t, c.dispatched)
	c.mu.Unlock()
}

func TestCollector_TransfersAndIngest(t *testing.T) {
	c := NewCollector("hive", nil, nil, zap.NewNop())

	c.Observe(events.Event{Data: distribution.ChunkProgress{CID: "x", Index: 0}})
	c.Observe(events.Event{Data: distribution.ChunkProgress{CID: "x", Index: 1}})
	c.Observe(events.Event{Data: distribution.TransferSnapshot{State: distribution.TransferCompleted, BytesMoved: 2048}})
	c.Observe(events.Event{Data: mesh.IngestedEvent{Object: common.ObjectSummary{Size: 100}}})
	c.Observe(events.Event{Data: mesh.IngestedEvent{Object: common.ObjectSummary{Size: 100}, Deduplicated: true}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksMoved))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.transferBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfers.WithLabelValues("completed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.ingestedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsIngested.WithLabelValues("true")))
}

func TestCollector_RunAndScrape(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	peers := staticPeers{common.StatusActive: 2, common.StatusUnreachable: 1}
	c := NewCollector("hive", peers, bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(events.TopicJobState, scheduler.JobEvent{
			JobID: "warmup", Kind: scheduler.EventState, State: common.JobQueued, From: common.JobQueued, Time: time.Now(),
		})
		return testutil.ToFloat64(c.jobsSubmitted) > 0
	}, time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `hive_peers{status="active"} 2`), text)
	assert.True(t, strings.Contains(text, `hive_peers{status="unreachable"} 1`))
	assert.Contains(t, text, "hive_jobs_submitted_total")
	assert.Contains(t, text, "hive_events_dropped_total")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
