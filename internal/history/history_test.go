package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func terminalJob(id, cid, peer string, state common.JobState, at time.Time) common.Job {
	return common.Job{
		ID:          id,
		CID:         cid,
		PeerID:      peer,
		State:       state,
		Payload:     common.JobPayload{Prompt: "hello", MaxTokens: 8},
		CreatedAt:   at.Add(-time.Second),
		UpdatedAt:   at,
		CompletedAt: at,
	}
}

func TestArchive_SaveAndGet(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := terminalJob("j1", "bafy1", "drone-a", common.JobFailed, now)
	job.FailureCause = common.CauseContent
	job.Error = &common.JobError{Code: common.ErrCodeContent, Message: "bad tokenizer"}
	require.NoError(t, a.Archive(ctx, job))

	rec, err := a.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.State)
	assert.Equal(t, "content", rec.FailureCause)
	assert.Equal(t, common.ErrCodeContent, rec.ErrorCode)
	assert.Equal(t, "hello", rec.Prompt)
	assert.Contains(t, rec.Payload, `"max_tokens":8`)

	// Saving again replaces the row.
	job.Error = nil
	job.State = common.JobSucceeded
	job.Result = "ok"
	require.NoError(t, a.Archive(ctx, job))
	rec, err = a.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", rec.State)
	assert.Equal(t, "ok", rec.Result)

	_, err = a.Get(ctx, "missing")
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))
}

func TestArchive_RejectsLiveJobs(t *testing.T) {
	a := openTest(t)
	err := a.Archive(context.Background(), common.Job{ID: "j", State: common.JobRunning})
	assert.True(t, common.IsCode(err, common.ErrCodeInvalidArgument))
}

func TestArchive_ListAndStats(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		state := common.JobSucceeded
		if i%2 == 1 {
			state = common.JobFailed
		}
		peer := "drone-a"
		if i >= 3 {
			peer = "drone-b"
		}
		job := terminalJob(fmt.Sprintf("j%d", i), "bafy1", peer, state, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, a.Archive(ctx, job))
	}

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "j4", all[0].ID)
	assert.Equal(t, "j0", all[4].ID)

	failed, err := a.List(ctx, Filter{State: "failed"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	byPeer, err := a.List(ctx, Filter{PeerID: "drone-b", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byPeer, 1)
	assert.Equal(t, "j4", byPeer[0].ID)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["succeeded"])
	assert.Equal(t, int64(2), stats["failed"])
}
