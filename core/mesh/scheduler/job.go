package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hivecompute/hive/core/mesh/common"
)

// EventKind distinguishes JobEvents.
type EventKind string

const (
	EventState    EventKind = "state"
	EventToken    EventKind = "token"
	EventProgress EventKind = "progress"
)

// JobEvent is delivered on JobHandle.Events and published on the bus. Final marks the
// job's last state event; a failed event without it is a retried attempt.
type JobEvent struct {
	JobID    string              `json:"job_id"`
	Kind     EventKind           `json:"kind"`
	State    common.JobState     `json:"state"`
	From     common.JobState     `json:"from"`
	Cause    common.FailureCause `json:"cause,omitempty"`
	PeerID   string              `json:"peer_id,omitempty"`
	Retry    int                 `json:"retry,omitempty"`
	Token    string              `json:"token,omitempty"`
	Progress float64             `json:"progress,omitempty"`
	Final    bool                `json:"final,omitempty"`
	Time     time.Time           `json:"time"`
}

const eventBuffer = 256

// jobEntry is the scheduler's mutable record of one job.
type jobEntry struct {
	mu     sync.Mutex
	job    common.Job
	tokens strings.Builder
	err    error

	cancel context.CancelCauseFunc
	done   chan struct{}
	events chan JobEvent
	closed bool
}

func newJobEntry(job common.Job, cancel context.CancelCauseFunc) *jobEntry {
	return &jobEntry{
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
		events: make(chan JobEvent, eventBuffer),
	}
}

func (e *jobEntry) snapshot() common.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *jobEntry) snapshotLocked() common.Job {
	j := e.job
	if e.job.Error != nil {
		je := *e.job.Error
		j.Error = &je
	}
	return j
}

// offer delivers ev to the handle without blocking; consumers that fall behind lose events.
// Caller holds e.mu.
func (e *jobEntry) offerLocked(ev JobEvent) {
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// JobHandle is returned by Submit.
type JobHandle struct {
	ID string
	e  *jobEntry
	s  *Scheduler
}

// Wait blocks until the job is terminal and returns its final state. The error is nil for a
// succeeded job and the terminal failure otherwise.
func (h *JobHandle) Wait(ctx context.Context) (common.Job, error) {
	select {
	case <-h.e.done:
		h.e.mu.Lock()
		defer h.e.mu.Unlock()
		return h.e.snapshotLocked(), h.e.err
	case <-ctx.Done():
		return h.e.snapshot(), ctx.Err()
	}
}

// Events streams state changes, tokens and progress. The channel is closed once the job is
// terminal.
func (h *JobHandle) Events() <-chan JobEvent {
	return h.e.events
}

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} {
	return h.e.done
}

// Job returns the current snapshot.
func (h *JobHandle) Job() common.Job {
	return h.e.snapshot()
}

// Cancel stops the job. Cancelling a finished job does nothing.
func (h *JobHandle) Cancel() {
	_ = h.s.Cancel(h.ID)
}
