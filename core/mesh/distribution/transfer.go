package distribution

import (
	"sort"
	"sync"
	"time"
)

// TransferState is the lifecycle of a ChunkTransfer.
type TransferState string

const (
	TransferRunning   TransferState = "running"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
)

// ChunkTransfer tracks one replication of an object to one target peer. It exists while the
// transfer runs; Replicate returns it in its final state.
type ChunkTransfer struct {
	ID     string
	CID    string
	Target string

	mu          sync.Mutex
	total       int
	outstanding map[int]struct{}
	attempts    map[int]int
	state       TransferState
	err         error
	bytesMoved  int64
	startedAt   time.Time
	finishedAt  time.Time
}

// TransferSnapshot is a point-in-time copy of a ChunkTransfer.
type TransferSnapshot struct {
	ID          string        `json:"id"`
	CID         string        `json:"cid"`
	Target      string        `json:"target"`
	Total       int           `json:"total_chunks"`
	Outstanding []int         `json:"outstanding"`
	Attempts    map[int]int   `json:"attempts,omitempty"`
	State       TransferState `json:"state"`
	Error       string        `json:"error,omitempty"`
	BytesMoved  int64         `json:"bytes_moved"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

func newChunkTransfer(id, cid, target string, total int, outstanding []int) *ChunkTransfer {
	t := &ChunkTransfer{
		ID:          id,
		CID:         cid,
		Target:      target,
		total:       total,
		outstanding: make(map[int]struct{}, len(outstanding)),
		attempts:    make(map[int]int),
		state:       TransferRunning,
		startedAt:   time.Now(),
	}
	for _, idx := range outstanding {
		t.outstanding[idx] = struct{}{}
	}
	return t
}

func (t *ChunkTransfer) attempt(index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[index]++
	return t.attempts[index]
}

func (t *ChunkTransfer) ack(index int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outstanding, index)
	t.bytesMoved += int64(n)
}

func (t *ChunkTransfer) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedAt = time.Now()
	if err != nil {
		t.state = TransferFailed
		t.err = err
		return
	}
	t.state = TransferCompleted
}

// Outstanding returns the chunk indices not yet acknowledged, ascending.
func (t *ChunkTransfer) Outstanding() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstandingLocked()
}

func (t *ChunkTransfer) outstandingLocked() []int {
	out := make([]int, 0, len(t.outstanding))
	for idx := range t.outstanding {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Attempts returns the number of fetch attempts made for a chunk.
func (t *ChunkTransfer) Attempts(index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[index]
}

func (t *ChunkTransfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *ChunkTransfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ChunkTransfer) Snapshot() TransferSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TransferSnapshot{
		ID:          t.ID,
		CID:         t.CID,
		Target:      t.Target,
		Total:       t.total,
		Outstanding: t.outstandingLocked(),
		State:       t.state,
		BytesMoved:  t.bytesMoved,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}
	if len(t.attempts) > 0 {
		snap.Attempts = make(map[int]int, len(t.attempts))
		for k, v := range t.attempts {
			snap.Attempts[k] = v
		}
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	return snap
}
