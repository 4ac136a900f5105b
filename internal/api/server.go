// Package api serves the dashboard HTTP API: swarm status, the model catalog, uploads,
// inference, job history, content download, a websocket event feed and prometheus metrics.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh"
	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/scheduler"
	"github.com/hivecompute/hive/internal/history"
	"github.com/hivecompute/hive/internal/utils"
)

// Swarm is the coordinator surface the API exposes.
type Swarm interface {
	Status(ctx context.Context) mesh.StatusReport
	Peers() ([]common.PeerRecord, routing.AggregateMetrics)
	Catalog(ctx context.Context) ([]common.ObjectSummary, error)
	Ingest(ctx context.Context, r io.Reader, declaredSize int64, opts cas.IngestOptions) (*cas.IngestResult, error)
	Infer(ctx context.Context, ref string, payload common.JobPayload) (*scheduler.JobHandle, error)
	Jobs() []common.Job
	Job(jobID string) (common.Job, error)
	CancelJob(jobID string) error
	Transfers() []distribution.TransferSnapshot
	Content(ctx context.Context, cid string) (io.ReadCloser, *common.ContentObject, error)
}

// HistoryReader reads archived jobs.
type HistoryReader interface {
	Get(ctx context.Context, jobID string) (history.JobRecord, error)
	List(ctx context.Context, f history.Filter) ([]history.JobRecord, error)
}

// Config holds API server settings
type Config struct {
	Addr            string
	AllowOrigins    []string
	MaxUploadBytes  int64
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Options carries optional collaborators. Nil fields disable the matching routes.
type Options struct {
	History HistoryReader
	Metrics http.Handler
	Bus     *events.Bus
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg      Config
	swarm    Swarm
	opts     Options
	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New builds the router. ctx bounds background work such as limiter cleanup.
func New(ctx context.Context, cfg Config, swarm Swarm, opts Options, logger *zap.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 30
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		swarm:  swarm,
		opts:   opts,
		engine: gin.New(),
		logger: utils.Component(logger, "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	corsCfg := cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
	}
	s.engine.Use(gin.Recovery(), requestLogger(s.logger), cors.New(corsCfg))

	limited := rateLimiter(ctx, cfg.RateLimit, cfg.RateBurst)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/peers", s.handlePeers)
	api.GET("/models", s.handleModels)
	api.POST("/upload", limited, s.handleUpload)
	api.POST("/inference", limited, s.handleInference)
	api.GET("/jobs", s.handleJobs)
	api.GET("/jobs/:id", s.handleJob)
	api.DELETE("/jobs/:id", limited, s.handleCancelJob)
	api.GET("/history", s.handleHistory)
	api.GET("/transfers", s.handleTransfers)
	api.GET("/content/:cid", s.handleContent)
	if opts.Bus != nil {
		api.GET("/events", s.handleEvents)
	}
	if opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard API listening", zap.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
