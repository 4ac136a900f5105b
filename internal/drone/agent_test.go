package drone

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh"
	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/scheduler"
	"github.com/hivecompute/hive/core/mesh/transport"
)

func memStore(t *testing.T) *cas.Store {
	t.Helper()
	cfg := cas.DefaultConfig("")
	cfg.InMemory = true
	cfg.ChunkSize = cas.MinChunkSize
	s, err := cas.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func serve(t *testing.T, mux *transport.Mux) string {
	t.Helper()
	handler := transport.NewWSServer(mux, transport.Config{}, zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type swarm struct {
	queen *mesh.Queen
	reg   *routing.Registry
	dir   *routing.MemoryDirectory
	addr  string
}

func newSwarm(t *testing.T) *swarm {
	t.Helper()
	logger := zap.NewNop()
	store := memStore(t)
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	tr := transport.NewWSTransport(transport.Config{LocalID: "queen"}, logger)
	t.Cleanup(func() { tr.Close() })
	reg := routing.NewRegistry(routing.DefaultRegistryConfig(), bus, logger)
	health := routing.NewHealthMonitor(reg, routing.HealthConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		MissThreshold:     20,
		GracePeriod:       time.Minute,
	}, logger)
	dir := routing.NewMemoryDirectory()
	dist := distribution.NewDistributor("queen", store, dir, reg, tr, bus, distribution.DefaultConfig(), logger)
	sched := scheduler.New(scheduler.Config{CapacityWait: 2 * time.Second, CapacityPoll: 10 * time.Millisecond},
		reg, dist, tr, bus, nil, logger)
	mux := transport.NewMux(transport.RateLimit{}, logger)

	q := mesh.New(mesh.Config{NodeID: "queen"}, mesh.Components{
		Store:       store,
		Registry:    reg,
		Health:      health,
		Directory:   dir,
		Distributor: dist,
		Scheduler:   sched,
		Transport:   tr,
		Mux:         mux,
		Bus:         bus,
	}, logger)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { q.Stop() })

	return &swarm{queen: q, reg: reg, dir: dir, addr: serve(t, mux)}
}

func startDrone(t *testing.T, queenAddr, id string, backend Backend) (*Agent, *cas.Store) {
	t.Helper()
	store := memStore(t)
	mux := transport.NewMux(transport.RateLimit{}, zap.NewNop())
	tr := transport.NewWSTransport(transport.Config{LocalID: id}, zap.NewNop())
	t.Cleanup(func() { tr.Close() })

	agent := New(Config{
		PeerID:        id,
		QueenAddr:     queenAddr,
		AdvertiseAddr: serve(t, mux),
		Capabilities:  common.Capabilities{MemoryBytes: 8 << 30},
		RetryInterval: 20 * time.Millisecond,
	}, store, tr, mux, backend, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return agent, store
}

func (s *swarm) waitActive(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := s.reg.Get(id)
		return ok && rec.Status == common.StatusActive && rec.HasLatencySample()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAgent_JoinsAndRunsJob(t *testing.T) {
	s := newSwarm(t)
	agent, store := startDrone(t, s.addr, "drone-1", EchoBackend{})
	s.waitActive(t, "drone-1")
	assert.Equal(t, "queen", agent.QueenID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := bytes.Repeat([]byte("0123456789abcdef"), 230) // 3680 bytes, 4 chunks
	res, err := s.queen.Ingest(ctx, bytes.NewReader(data), int64(len(data)), cas.IngestOptions{Name: "tiny"})
	require.NoError(t, err)

	handle, err := s.queen.Infer(ctx, "tiny", common.JobPayload{Prompt: "the quick brown fox"})
	require.NoError(t, err)
	job, err := handle.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, common.JobSucceeded, job.State)
	assert.Equal(t, "the quick brown fox", job.Result)
	assert.Equal(t, "drone-1", job.PeerID)

	// The object was replicated and verified on the drone.
	obj, err := store.Resolve(ctx, res.Object.CID)
	require.NoError(t, err)
	assert.Equal(t, 4, obj.ChunkCount())
	holders, err := s.dir.Holders(ctx, res.Object.CID)
	require.NoError(t, err)
	assert.Contains(t, holders, "drone-1")

	// The peer is free again.
	rec, _ := s.reg.Get("drone-1")
	assert.Equal(t, common.StatusActive, rec.Status)
	assert.Empty(t, rec.JobID)
}

func TestAgent_RejoinsAfterEviction(t *testing.T) {
	s := newSwarm(t)
	startDrone(t, s.addr, "drone-2", EchoBackend{})
	s.waitActive(t, "drone-2")

	require.NoError(t, s.reg.MarkUnreachable("drone-2"))
	require.NoError(t, s.reg.Evict("drone-2"))
	_, ok := s.reg.Get("drone-2")
	require.False(t, ok)

	s.waitActive(t, "drone-2")
}

func TestAgent_AnnounceRetriesUntilQueenUp(t *testing.T) {
	queenMux := transport.NewMux(transport.RateLimit{}, zap.NewNop())
	addr := serve(t, queenMux)
	announced := make(chan common.AnnounceRequest, 1)

	agent, _ := startDrone(t, addr, "drone-3", EchoBackend{})
	time.Sleep(50 * time.Millisecond)

	queenMux.Handle(common.MethodAnnounce, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var req common.AnnounceRequest
		_ = json.Unmarshal(params, &req)
		select {
		case announced <- req:
		default:
		}
		return common.AnnounceResponse{QueenID: "late-queen", Status: common.StatusDiscovered, HeartbeatInterval: time.Hour}, nil
	})

	select {
	case req := <-announced:
		assert.Equal(t, "drone-3", req.PeerID)
		assert.Equal(t, "echo", req.Capabilities.Backend)
		assert.True(t, strings.HasPrefix(req.Address, "ws://"))
	case <-time.After(3 * time.Second):
		t.Fatal("drone never announced")
	}
	require.Eventually(t, func() bool { return agent.QueenID() == "late-queen" }, time.Second, 10*time.Millisecond)
}

func TestAgent_Handlers(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	mux := transport.NewMux(transport.RateLimit{}, zap.NewNop())
	agent := New(Config{PeerID: "d"}, store, nil, mux, nil, zap.NewNop())

	data := bytes.Repeat([]byte("a"), 2048)
	res, err := store.Ingest(ctx, bytes.NewReader(data), int64(len(data)), cas.IngestOptions{})
	require.NoError(t, err)

	t.Run("fetch compresses when accepted", func(t *testing.T) {
		raw, _ := json.Marshal(common.ChunkFetchRequest{CID: res.Object.CID, Index: 0, AcceptEncoding: common.EncodingBrotli})
		out, err := agent.handleChunkFetch(ctx, "queen", raw)
		require.NoError(t, err)
		p := out.(common.ChunkPayload)
		assert.Equal(t, common.EncodingBrotli, p.Encoding)
		decoded, err := distribution.DecodeChunk(p, cas.MinChunkSize)
		require.NoError(t, err)
		assert.Equal(t, data[:cas.MinChunkSize], decoded)
	})

	t.Run("describe lists objects", func(t *testing.T) {
		out, err := agent.handleDescribe(ctx, "queen", nil)
		require.NoError(t, err)
		desc := out.(common.DescribeResponse)
		assert.Equal(t, []string{res.Object.CID}, desc.Objects)
		assert.Equal(t, "echo", desc.Capabilities.Backend)
	})

	t.Run("infer on missing object", func(t *testing.T) {
		raw, _ := json.Marshal(common.InferRequest{JobID: "j", CID: "bafy-missing"})
		err := agent.handleInfer(ctx, "queen", raw, func(interface{}) error { return nil })
		assert.True(t, common.IsCode(err, common.ErrCodeNotFound))
	})

	t.Run("infer streams tokens", func(t *testing.T) {
		var frames []common.InferEvent
		raw, _ := json.Marshal(common.InferRequest{JobID: "j", CID: res.Object.CID,
			Payload: common.JobPayload{Prompt: "one two three", MaxTokens: 2}})
		err := agent.handleInfer(ctx, "queen", raw, func(v interface{}) error {
			frames = append(frames, v.(common.InferEvent))
			return nil
		})
		require.NoError(t, err)
		require.NotEmpty(t, frames)
		assert.Equal(t, common.InferStarted, frames[0].Kind)
		last := frames[len(frames)-1]
		assert.Equal(t, common.InferDone, last.Kind)
		assert.Equal(t, "one two", last.Result)
	})

	t.Run("busy drone refuses a second job", func(t *testing.T) {
		agent.busy.Store(true)
		defer agent.busy.Store(false)
		var got common.InferEvent
		raw, _ := json.Marshal(common.InferRequest{JobID: "j2", CID: res.Object.CID})
		err := agent.handleInfer(ctx, "queen", raw, func(v interface{}) error {
			got = v.(common.InferEvent)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, common.InferError, got.Kind)
		assert.Equal(t, common.ErrCodeCapacity, got.Code)
		assert.True(t, got.Retryable)
	})
}

func TestAgent_StoresChunksLargerThanOwnChunkSize(t *testing.T) {
	ctx := context.Background()
	cfg := cas.DefaultConfig("")
	cfg.InMemory = true
	cfg.ChunkSize = 4 * cas.MinChunkSize
	source, err := cas.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer source.Close()

	data := bytes.Repeat([]byte("hive"), 2560) // 10 KiB, chunks of 4+4+2 KiB
	res, err := source.Ingest(ctx, bytes.NewReader(data), int64(len(data)), cas.IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Object.ChunkCount())

	store := memStore(t)
	agent := New(Config{PeerID: "d"}, store, nil, transport.NewMux(transport.RateLimit{}, zap.NewNop()), nil, zap.NewNop())

	raw, _ := json.Marshal(common.ChunkManifestRequest{Object: res.Object})
	_, err = agent.handleChunkManifest(ctx, "queen", raw)
	require.NoError(t, err)

	var complete bool
	for i := 0; i < res.Object.ChunkCount(); i++ {
		chunk, err := source.ReadChunk(ctx, res.Object.CID, i)
		require.NoError(t, err)
		p := distribution.EncodeChunk(res.Object.CID, i, cas.ChunkDigest(chunk), chunk, common.EncodingBrotli)
		require.Equal(t, common.EncodingBrotli, p.Encoding)
		raw, _ := json.Marshal(p)
		out, err := agent.handleChunkStore(ctx, "queen", raw)
		require.NoError(t, err, "chunk %d", i)
		complete = out.(common.ChunkStoreResponse).Complete
	}
	assert.True(t, complete)

	status, err := store.HaveChunks(ctx, res.Object.CID)
	require.NoError(t, err)
	assert.True(t, status.Complete)

	t.Run("unknown object", func(t *testing.T) {
		raw, _ := json.Marshal(common.ChunkPayload{CID: "bafy-missing", Index: 0, Encoding: common.EncodingIdentity})
		_, err := agent.handleChunkStore(ctx, "queen", raw)
		assert.True(t, common.IsCode(err, common.ErrCodeNotFound))
	})
}

func TestEchoBackend_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := EchoBackend{Delay: time.Second}.Infer(ctx, nil, common.JobPayload{Prompt: "a b"}, func(common.InferEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
