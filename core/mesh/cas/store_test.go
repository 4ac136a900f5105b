package cas

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/hivecompute/hive/core/mesh/common"
)

func openTestStore(t *testing.T, chunkSize int64) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.ChunkSize = chunkSize
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestIngestSplitsIntoChunks(t *testing.T) {
	s := openTestStore(t, 4<<20)
	ctx := context.Background()
	data := randomBytes(1, 10<<20)

	res, err := s.Ingest(ctx, bytes.NewReader(data), int64(len(data)), IngestOptions{Name: "model.gguf"})
	require.NoError(t, err)
	obj := res.Object

	require.Len(t, obj.Chunks, 3)
	assert.Equal(t, int64(4<<20), obj.Chunks[0].Length)
	assert.Equal(t, int64(4<<20), obj.Chunks[1].Length)
	assert.Equal(t, int64(2<<20), obj.Chunks[2].Length)
	assert.Equal(t, int64(8<<20), obj.Chunks[2].Offset)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.False(t, res.Deduplicated)
	require.NoError(t, obj.Validate())

	for i, c := range obj.Chunks {
		chunk, err := s.ReadChunk(ctx, obj.CID, i)
		require.NoError(t, err)
		assert.Equal(t, c.Digest, ChunkDigest(chunk))
		assert.True(t, bytes.Equal(data[c.Offset:c.Offset+c.Length], chunk))
	}

	id, err := s.ResolveName(ctx, "model.gguf")
	require.NoError(t, err)
	assert.Equal(t, obj.CID, id)
}

func TestIngestDeduplicates(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()
	data := randomBytes(2, 5000)

	first, err := s.Ingest(ctx, bytes.NewReader(data), UnknownSize, IngestOptions{})
	require.NoError(t, err)
	second, err := s.Ingest(ctx, bytes.NewReader(data), int64(len(data)), IngestOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Object.CID, second.Object.CID)
	assert.True(t, second.Deduplicated)
	assert.True(t, first.Object.CreatedAt.Equal(second.Object.CreatedAt))

	list, err := s.ListLocal(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentIngestOfSameBytes(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()
	data := randomBytes(3, 8000)

	var wg sync.WaitGroup
	cids := make([]string, 4)
	for i := range cids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Ingest(ctx, bytes.NewReader(data), UnknownSize, IngestOptions{})
			if assert.NoError(t, err) {
				cids[i] = res.Object.CID
			}
		}(i)
	}
	wg.Wait()

	for _, c := range cids {
		assert.Equal(t, cids[0], c)
	}
	list, err := s.ListLocal(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIngestDeclaredSizeMismatch(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()
	data := randomBytes(4, 3000)

	_, err := s.Ingest(ctx, bytes.NewReader(data), 2999, IngestOptions{})
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))

	_, err = s.Ingest(ctx, bytes.NewReader(data), 4000, IngestOptions{})
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))

	list, err := s.ListLocal(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, countBlocks(t, s))
}

func countBlocks(t *testing.T, s *Store) int {
	t.Helper()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixBlock)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

// cancelAfter cancels its context once limit bytes have been read.
type cancelAfter struct {
	r      io.Reader
	limit  int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if c.read += n; c.read >= c.limit {
		c.cancel()
	}
	return n, err
}

func TestFailedIngestLeavesNoBlocks(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	data := randomBytes(11, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelAfter{r: bytes.NewReader(data), limit: 2048, cancel: cancel}
	_, err := s.Ingest(ctx, src, UnknownSize, IngestOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, countBlocks(t, s))

	// Blocks shared with a stored object survive a failed ingest that touched them.
	kept, err := s.Ingest(context.Background(), bytes.NewReader(data[:2048]), UnknownSize, IngestOptions{})
	require.NoError(t, err)
	_, err = s.Ingest(context.Background(), bytes.NewReader(data), 4000, IngestOptions{})
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))
	assert.Equal(t, 2, countBlocks(t, s))

	out, _, err := s.Reader(context.Background(), kept.Object.CID)
	require.NoError(t, err)
	got, err := io.ReadAll(out)
	out.Close()
	require.NoError(t, err)
	assert.Equal(t, data[:2048], got)
}

func TestReingestAfterChunkSizeChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	data := randomBytes(12, 10<<10)

	cfg := DefaultConfig(dir)
	cfg.ChunkSize = 4 << 10
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	first, err := s.Ingest(ctx, bytes.NewReader(data), int64(len(data)), IngestOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.ChunkSize = 8 << 10
	s, err = Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	second, err := s.Ingest(ctx, bytes.NewReader(data), int64(len(data)), IngestOptions{})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Object.CID, second.Object.CID)
	assert.Equal(t, 3, second.Object.ChunkCount())
	assert.Equal(t, 3, countBlocks(t, s))

	// A peer that chunked the same bytes differently already holds the object.
	other := *first.Object
	other.ChunkSize = 8 << 10
	other.Chunks = []common.ChunkDescriptor{
		{Index: 0, Offset: 0, Length: 8 << 10, Digest: ChunkDigest(data[:8<<10])},
		{Index: 1, Offset: 8 << 10, Length: 2 << 10, Digest: ChunkDigest(data[8<<10:])},
	}
	require.NoError(t, s.ImportManifest(ctx, &other))
}

func TestResolveUnknown(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()

	_, err := s.Resolve(ctx, "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy")
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))

	res, err := s.Ingest(ctx, bytes.NewReader([]byte("hello swarm")), UnknownSize, IngestOptions{})
	require.NoError(t, err)

	_, err = s.ReadChunk(ctx, res.Object.CID, 5)
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))
}

func TestReadChunkDetectsCorruption(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()
	data := randomBytes(5, 2500)

	res, err := s.Ingest(ctx, bytes.NewReader(data), UnknownSize, IngestOptions{})
	require.NoError(t, err)

	// Simulate bit rot underneath the store.
	digest := res.Object.Chunks[1].Digest
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(digest), bytes.Repeat([]byte{0xff}, 1024))
	}))

	_, err = s.ReadChunk(ctx, res.Object.CID, 1)
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))

	_, err = s.ReadChunk(ctx, res.Object.CID, 0)
	assert.NoError(t, err)
}

func TestReopenKeepsObjects(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.ChunkSize = MinChunkSize
	ctx := context.Background()

	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	res, err := s.Ingest(ctx, bytes.NewReader(randomBytes(6, 4096)), UnknownSize, IngestOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	obj, err := s.Resolve(ctx, res.Object.CID)
	require.NoError(t, err)
	assert.Equal(t, 4, obj.ChunkCount())
}

func TestPartialReplication(t *testing.T) {
	src := openTestStore(t, MinChunkSize)
	dst := openTestStore(t, MinChunkSize)
	ctx := context.Background()
	data := randomBytes(7, 3500)

	res, err := src.Ingest(ctx, bytes.NewReader(data), UnknownSize, IngestOptions{Name: "tiny"})
	require.NoError(t, err)
	obj := res.Object

	// 1. Unknown object
	status, err := dst.HaveChunks(ctx, obj.CID)
	require.NoError(t, err)
	assert.False(t, status.Known)

	// 2. Import the manifest
	require.NoError(t, dst.ImportManifest(ctx, obj))
	status, err = dst.HaveChunks(ctx, obj.CID)
	require.NoError(t, err)
	assert.True(t, status.Known)
	assert.Empty(t, status.Indices)

	length, err := dst.ChunkLength(ctx, obj.CID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3500-3*1024), length)
	_, err = dst.ChunkLength(ctx, obj.CID, 4)
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))
	_, err = dst.ChunkLength(ctx, "bafy-missing", 0)
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))

	// 3. Corrupt bytes are rejected and not recorded
	_, err = dst.PutChunk(ctx, obj.CID, 2, bytes.Repeat([]byte{1}, 1024))
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))
	status, _ = dst.HaveChunks(ctx, obj.CID)
	assert.Empty(t, status.Indices)

	// 4. Deliver out of order, with a duplicate
	for _, i := range []int{3, 1, 1, 0} {
		chunk, err := src.ReadChunk(ctx, obj.CID, i)
		require.NoError(t, err)
		done, err := dst.PutChunk(ctx, obj.CID, i, chunk)
		require.NoError(t, err)
		assert.False(t, done)
	}
	status, _ = dst.HaveChunks(ctx, obj.CID)
	assert.ElementsMatch(t, []int{0, 1, 3}, status.Indices)

	// Not yet resolvable
	_, err = dst.Resolve(ctx, obj.CID)
	assert.True(t, common.IsCode(err, common.ErrCodeNotFound))

	// 5. Last chunk completes the object
	chunk, err := src.ReadChunk(ctx, obj.CID, 2)
	require.NoError(t, err)
	done, err := dst.PutChunk(ctx, obj.CID, 2, chunk)
	require.NoError(t, err)
	assert.True(t, done)

	r, got, err := dst.Reader(ctx, obj.CID)
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
	assert.Equal(t, "tiny", got.Name)

	status, _ = dst.HaveChunks(ctx, obj.CID)
	assert.True(t, status.Complete)
	length, err = dst.ChunkLength(ctx, obj.CID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), length)

	// Re-delivery after completion is a no-op
	done, err = dst.PutChunk(ctx, obj.CID, 0, chunk)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestImportManifestConflict(t *testing.T) {
	s := openTestStore(t, MinChunkSize)
	ctx := context.Background()

	res, err := s.Ingest(ctx, bytes.NewReader(randomBytes(8, 2048)), UnknownSize, IngestOptions{})
	require.NoError(t, err)

	forged := *res.Object
	forged.Chunks = append([]common.ChunkDescriptor(nil), res.Object.Chunks...)
	forged.Chunks[0].Digest = forged.Chunks[1].Digest
	err = s.ImportManifest(ctx, &forged)
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))

	assert.NoError(t, s.ImportManifest(ctx, res.Object))
}

func TestOpenRejectsChunkSize(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.ChunkSize = 10
	_, err := Open(cfg, zap.NewNop())
	assert.True(t, common.IsCode(err, common.ErrCodeInvalidArgument))
}

func TestRoundTripProperty(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.ChunkSize = MinChunkSize
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 6000).Draw(rt, "data")

		res, err := s.Ingest(ctx, bytes.NewReader(data), int64(len(data)), IngestOptions{})
		if err != nil {
			rt.Fatalf("ingest: %v", err)
		}
		r, _, err := s.Reader(ctx, res.Object.CID)
		if err != nil {
			rt.Fatalf("reader: %v", err)
		}
		out, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if !bytes.Equal(data, out) {
			rt.Fatalf("round trip mismatch: %d bytes in, %d out", len(data), len(out))
		}
	})
}

func TestDedupProperty(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.ChunkSize = MinChunkSize
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 4000).Draw(rt, "data")

		a, err := s.Ingest(ctx, bytes.NewReader(data), UnknownSize, IngestOptions{})
		if err != nil {
			rt.Fatalf("ingest: %v", err)
		}
		b, err := s.Ingest(ctx, bytes.NewReader(append([]byte(nil), data...)), UnknownSize, IngestOptions{})
		if err != nil {
			rt.Fatalf("ingest again: %v", err)
		}
		if a.Object.CID != b.Object.CID || !b.Deduplicated {
			rt.Fatalf("identical bytes produced %s and %s (dedup=%v)", a.Object.CID, b.Object.CID, b.Deduplicated)
		}
	})
}
