// Package scheduler turns inference requests into Jobs: it selects a Drone, binds it
// exclusively, dispatches over a streaming RPC and retries on peer-side failures.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/utils"
)

// PeerPool is the part of the peer registry the scheduler depends on.
type PeerPool interface {
	Get(peerID string) (common.PeerRecord, bool)
	ListEligible(filter common.CapabilityFilter) []common.PeerRecord
	Claim(peerID, jobID string) error
	Release(peerID, jobID string)
	OnPeerLost(h routing.PeerLossHandler)
}

// Content locates and replicates objects.
type Content interface {
	Manifest(ctx context.Context, cid string) (*common.ContentObject, error)
	Locate(ctx context.Context, cid string) ([]string, error)
	Replicate(ctx context.Context, cid, target string) (*distribution.ChunkTransfer, error)
}

// JobArchive persists terminal jobs.
type JobArchive interface {
	Archive(ctx context.Context, job common.Job) error
}

// Config holds scheduler configuration
type Config struct {
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	CapacityWait    time.Duration `yaml:"capacity_wait" env:"CAPACITY_WAIT"`
	CapacityPoll    time.Duration `yaml:"capacity_poll" env:"CAPACITY_POLL"`
	ProgressTimeout time.Duration `yaml:"progress_timeout" env:"PROGRESS_TIMEOUT"`
	JobDeadline     time.Duration `yaml:"job_deadline" env:"JOB_DEADLINE"`
	RetainJobs      int           `yaml:"retain_jobs" env:"RETAIN_JOBS"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		CapacityWait:    30 * time.Second,
		CapacityPoll:    250 * time.Millisecond,
		ProgressTimeout: 60 * time.Second,
		JobDeadline:     1200 * time.Second,
		RetainJobs:      1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CapacityWait <= 0 {
		c.CapacityWait = def.CapacityWait
	}
	if c.CapacityPoll <= 0 {
		c.CapacityPoll = def.CapacityPoll
	}
	if c.ProgressTimeout <= 0 {
		c.ProgressTimeout = def.ProgressTimeout
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = def.JobDeadline
	}
	if c.RetainJobs <= 0 {
		c.RetainJobs = def.RetainJobs
	}
	return c
}

// Scheduler owns every Job. One goroutine runs each job from submission to a terminal state.
type Scheduler struct {
	cfg       Config
	peers     PeerPool
	content   Content
	transport transport.Transport
	events    events.Publisher
	archive   JobArchive
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]*jobEntry
	order    []string
	finished []string
	attempts map[string]*attempt // peer ID -> running attempt
}

// attempt is one dispatch of a job to one peer.
type attempt struct {
	jobID  string
	peerID string
	cancel context.CancelCauseFunc
}

// New creates a scheduler and subscribes it to peer-loss notifications.
func New(cfg Config, peers PeerPool, content Content, tr transport.Transport,
	pub events.Publisher, archive JobArchive, logger *zap.Logger) *Scheduler {
	if pub == nil {
		pub = (*events.Bus)(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		peers:     peers,
		content:   content,
		transport: tr,
		events:    pub,
		archive:   archive,
		logger:    utils.Component(logger, "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*jobEntry),
		attempts:  make(map[string]*attempt),
	}
	peers.OnPeerLost(s.onPeerLost)
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Submit validates the request, creates a queued Job and starts scheduling it.
func (s *Scheduler) Submit(ctx context.Context, cid string, payload common.JobPayload) (*JobHandle, error) {
	if cid == "" {
		return nil, common.ErrInvalidArgument("content reference is required")
	}
	if payload.Prompt == "" {
		return nil, common.ErrInvalidArgument("prompt is required").WithContext("cid", cid)
	}
	if payload.MaxTokens < 0 {
		return nil, common.ErrInvalidArgument("max_tokens must not be negative").WithContext("cid", cid)
	}
	if _, err := s.content.Manifest(ctx, cid); err != nil {
		return nil, err
	}
	if err := s.ctx.Err(); err != nil {
		return nil, common.NewMeshError(common.ErrCodeCancelled, "scheduler is shut down")
	}

	now := time.Now()
	job := common.Job{
		ID:        uuid.NewString(),
		CID:       cid,
		Payload:   payload,
		State:     common.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jobCtx, cancel := context.WithCancelCause(s.ctx)
	e := newJobEntry(job, cancel)

	s.mu.Lock()
	s.jobs[job.ID] = e
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	s.logger.Info("job submitted",
		zap.String("job_id", utils.ShortID(job.ID)),
		zap.String("cid", cid))
	s.publishState(e, job)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(jobCtx, e)
	}()
	return &JobHandle{ID: job.ID, e: e, s: s}, nil
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(jobID string) (common.Job, error) {
	s.mu.RLock()
	e, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return common.Job{}, common.ErrNotFound("job", jobID)
	}
	return e.snapshot(), nil
}

// List returns snapshots of the jobs retained in memory, newest first.
func (s *Scheduler) List() []common.Job {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, id := range s.order {
		if e, ok := s.jobs[id]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]common.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Counts returns the number of retained jobs per state.
func (s *Scheduler) Counts() map[common.JobState]int {
	out := make(map[common.JobState]int)
	for _, j := range s.List() {
		out[j.State]++
	}
	return out
}

// Cancel stops a job. Its stream is closed and its peer released immediately.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.RLock()
	e, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return common.ErrNotFound("job", jobID)
	}
	e.mu.Lock()
	terminal := e.job.State.IsTerminal()
	e.mu.Unlock()
	if terminal {
		return common.NewMeshError(common.ErrCodeConflict, "job already finished").WithContext("job_id", jobID)
	}
	e.cancel(common.ErrCancelled(jobID))
	return nil
}

// Close cancels every running job and waits for their goroutines.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) onPeerLost(peerID, jobID string) {
	s.mu.RLock()
	a, ok := s.attempts[peerID]
	s.mu.RUnlock()
	if !ok || a.jobID != jobID {
		return
	}
	s.logger.Warn("peer lost during job",
		zap.String("peer_id", utils.ShortID(peerID)),
		zap.String("job_id", utils.ShortID(jobID)))
	a.cancel(errPeerLost)
}

func (s *Scheduler) bind(a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.peerID] = a
}

func (s *Scheduler) unbind(a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.attempts[a.peerID]; ok && cur == a {
		delete(s.attempts, a.peerID)
	}
}

// retire records a terminal job and prunes the oldest terminal jobs beyond the retention limit.
func (s *Scheduler) retire(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, jobID)
	for len(s.finished) > s.cfg.RetainJobs {
		old := s.finished[0]
		s.finished = s.finished[1:]
		delete(s.jobs, old)
	}
	if len(s.order) > 2*s.cfg.RetainJobs {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.jobs[id]; ok {
				kept = append(kept, id)
			}
		}
		s.order = kept
	}
}
