package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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
	"github.com/hivecompute/hive/internal/drone"
	"github.com/hivecompute/hive/internal/history"
)

type fixture struct {
	queen   *mesh.Queen
	reg     *routing.Registry
	archive *history.Archive
	bus     *events.Bus
	rpcAddr string
	srv     *httptest.Server
}

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

func serveRPC(t *testing.T, mux *transport.Mux) string {
	t.Helper()
	handler := transport.NewWSServer(mux, transport.Config{}, zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := memStore(t)
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	archive, err := history.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

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
	sched := scheduler.New(scheduler.Config{CapacityWait: 100 * time.Millisecond, CapacityPoll: 10 * time.Millisecond},
		reg, dist, tr, bus, archive, logger)
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

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hive_up 1\n")
	})
	api := New(ctx, cfg, q, Options{History: archive, Metrics: metrics, Bus: bus}, logger)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &fixture{queen: q, reg: reg, archive: archive, bus: bus, rpcAddr: serveRPC(t, mux), srv: srv}
}

func (f *fixture) startDrone(t *testing.T, id string) {
	t.Helper()
	mux := transport.NewMux(transport.RateLimit{}, zap.NewNop())
	tr := transport.NewWSTransport(transport.Config{LocalID: id}, zap.NewNop())
	t.Cleanup(func() { tr.Close() })
	agent := drone.New(drone.Config{
		PeerID:        id,
		QueenAddr:     f.rpcAddr,
		AdvertiseAddr: serveRPC(t, mux),
		RetryInterval: 20 * time.Millisecond,
	}, memStore(t), tr, mux, drone.EchoBackend{}, zap.NewNop())

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
	require.Eventually(t, func() bool {
		rec, ok := f.reg.Get(id)
		return ok && rec.Status == common.StatusActive
	}, 3*time.Second, 10*time.Millisecond)
}

func (f *fixture) upload(t *testing.T, filename, repoID string, data []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if repoID != "" {
		require.NoError(t, w.WriteField("repo_id", repoID))
	}
	if filename != "" {
		part, err := w.CreateFormFile("model", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	resp, err := http.Post(f.srv.URL+"/api/upload", w.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *fixture) postJSON(t *testing.T, path string, v interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestServer_UploadCatalogDownload(t *testing.T) {
	f := newFixture(t, Config{})
	data := bytes.Repeat([]byte("weights!"), 400)

	resp, body := f.upload(t, "tiny.gguf", "org/tiny", data)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "tiny.gguf", body["filename"])
	assert.Equal(t, false, body["deduplicated"])
	cid, _ := body["cid"].(string)
	require.NotEmpty(t, cid)

	_, body = f.upload(t, "copy.gguf", "", data)
	assert.Equal(t, true, body["deduplicated"])
	assert.Equal(t, cid, body["cid"])

	resp, body = f.get(t, "/api/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := body["models"].([]interface{})
	require.Len(t, models, 1)
	model := models[0].(map[string]interface{})
	assert.Equal(t, "tiny.gguf", model["name"])
	assert.Equal(t, float64(len(data)), model["size"])
	assert.Equal(t, float64(4), model["chunk_count"])
	assert.Equal(t, "org/tiny", model["tags"].(map[string]interface{})["repo_id"])

	dl, err := http.Get(f.srv.URL + "/api/content/" + cid)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "tiny.gguf")
	assert.Equal(t, cid, dl.Header.Get("X-Content-CID"))
}

func TestServer_UploadRejectsMissingModel(t *testing.T) {
	f := newFixture(t, Config{})
	resp, body := f.upload(t, "", "org/tiny", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, common.ErrCodeInvalidArgument, errorCode(body))
}

func TestServer_UploadTooLarge(t *testing.T) {
	f := newFixture(t, Config{MaxUploadBytes: 1024})
	resp, body := f.upload(t, "big.gguf", "", bytes.Repeat([]byte("w"), 4000))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, codeTooLarge, errorCode(body))

	resp, _ = f.get(t, "/api/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ContentUnknownCID(t *testing.T) {
	f := newFixture(t, Config{})
	resp, body := f.get(t, "/api/content/bafy-missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, common.ErrCodeNotFound, errorCode(body))
}

func TestServer_InferenceErrors(t *testing.T) {
	f := newFixture(t, Config{})
	data := bytes.Repeat([]byte{7}, 2048)
	_, up := f.upload(t, "model.bin", "", data)
	cid := up["cid"].(string)

	t.Run("unknown model", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/inference", InferenceRequest{ModelPath: "/models/missing.bin", Prompt: "hi"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, common.ErrCodeNotFound, errorCode(body))
	})

	t.Run("empty prompt", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/inference", InferenceRequest{CID: cid})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, common.ErrCodeInvalidArgument, errorCode(body))
	})

	t.Run("no capacity", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/inference", InferenceRequest{ModelPath: "model.bin", Prompt: "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, common.ErrCodeCapacity, errorCode(body))
		jobID := body["error"].(map[string]interface{})["job_id"].(string)
		require.NotEmpty(t, jobID)

		resp, job := f.get(t, "/api/jobs/"+jobID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "failed", job["state"])
		assert.Equal(t, cid, job["cid"])
	})
}

func TestServer_InferenceWithDrone(t *testing.T) {
	f := newFixture(t, Config{})
	f.startDrone(t, "drone-1")
	_, up := f.upload(t, "echo.bin", "", bytes.Repeat([]byte("ab"), 1500))
	require.NotEmpty(t, up["cid"])

	resp, body := f.postJSON(t, "/api/inference", InferenceRequest{ModelPath: "./models/echo.bin", Prompt: "hello swarm of drones", MaxTokens: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "hello swarm of", body["result"])
	assert.Equal(t, "drone-1", body["peer_id"])
	assert.Equal(t, "succeeded", body["state"])
	jobID := body["job_id"].(string)

	resp, body = f.get(t, "/api/jobs?state=succeeded")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].(map[string]interface{})["id"])

	require.Eventually(t, func() bool {
		_, body := f.get(t, "/api/history?peer_id=drone-1")
		recs, _ := body["jobs"].([]interface{})
		return len(recs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, body = f.get(t, "/api/peers")
	peers := body["peers"].([]interface{})
	require.Len(t, peers, 1)
	assert.Equal(t, "drone-1", peers[0].(map[string]interface{})["id"])

	resp, body = f.get(t, "/api/transfers")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "transfers")

	_, body = f.get(t, "/api/status")
	assert.Equal(t, "queen", body["node_id"])
	assert.Equal(t, float64(1), body["peers"])
	assert.Equal(t, float64(1), body["objects"])
}

func TestServer_JobFallsBackToHistory(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now().UTC()
	require.NoError(t, f.archive.Archive(context.Background(), common.Job{
		ID:          "old-job",
		CID:         "bafy-old",
		State:       common.JobSucceeded,
		Result:      "done",
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: now,
	}))

	resp, body := f.get(t, "/api/jobs/old-job")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["result"])

	resp, body = f.get(t, "/api/jobs/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, common.ErrCodeNotFound, errorCode(body))

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/jobs/nope", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNotFound, del.StatusCode)

	resp, body = f.get(t, "/api/history?limit=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RateLimitsMutatingRoutes(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 0.001, RateBurst: 1})

	resp, _ := f.postJSON(t, "/api/inference", InferenceRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.postJSON(t, "/api/inference", InferenceRequest{})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, common.ErrCodeRateLimited, errorCode(body))

	// Reads are not limited.
	resp, _ = f.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_EventFeed(t *testing.T) {
	f := newFixture(t, Config{})
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?topics=content.*"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	time.Sleep(50 * time.Millisecond)
	_, up := f.upload(t, "feed.bin", "", []byte("event payload"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev struct {
		Topic string `json:"topic"`
		Data  struct {
			Object common.ObjectSummary `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TopicContentIngested, ev.Topic)
	assert.Equal(t, up["cid"], ev.Data.Object.CID)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, Config{})
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hive_up 1\n", string(b))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		common.ErrCodeNotFound:         http.StatusNotFound,
		common.ErrCodeCapacity:         http.StatusServiceUnavailable,
		common.ErrCodeTimeout:          http.StatusGatewayTimeout,
		common.ErrCodeExhaustedRetries: http.StatusBadGateway,
		common.ErrCodeIO:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, httpStatus(common.NewMeshError(code, "x")), code)
	}
	assert.Equal(t, http.StatusGatewayTimeout, httpStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(io.ErrUnexpectedEOF))

	wrapped := common.ErrIO("read source", &http.MaxBytesError{Limit: 10})
	assert.Equal(t, http.StatusRequestEntityTooLarge, httpStatus(wrapped))
	assert.Equal(t, codeTooLarge, errorBody(wrapped).Code)
}
