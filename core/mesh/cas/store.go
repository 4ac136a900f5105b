// Package cas implements the content-addressed store. Objects are split into fixed-size
// chunks, each stored once under its own digest, and described by an immutable manifest
// keyed by the CID of the whole byte stream.
package cas

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/internal/utils"
)

const (
	DefaultChunkSize int64 = 8 << 20
	MinChunkSize     int64 = 1 << 10
	MaxChunkSize     int64 = 64 << 20

	// UnknownSize disables the declared-size check on Ingest.
	UnknownSize int64 = -1

	commitAttempts = 3
)

// Config holds store configuration
type Config struct {
	Path          string
	InMemory      bool
	ChunkSize     int64
	BloomCapacity uint
	BloomFPRate   float64
}

// DefaultConfig returns production defaults for a store rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		ChunkSize:     DefaultChunkSize,
		BloomCapacity: 100_000,
		BloomFPRate:   0.001,
	}
}

// IngestOptions carries catalog metadata attached to a newly created object.
type IngestOptions struct {
	Name string
	Tags map[string]string
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	Object       *common.ContentObject
	Deduplicated bool
}

// ChunkStatus reports which verified chunks of an object are held locally.
type ChunkStatus struct {
	Known    bool
	Complete bool
	Indices  []int
}

// Store is a badger-backed content-addressed store.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *zap.Logger

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter

	cidLocks sync.Map // cid -> *sync.Mutex, serialises partial-object completion

	pinMu sync.Mutex
	pins  map[string]int // chunk digest -> in-flight ingests using the block
}

// Open opens (or creates) a store.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < MinChunkSize || cfg.ChunkSize > MaxChunkSize {
		return nil, common.ErrInvalidArgument("chunk size out of range").
			WithContext("chunk_size", cfg.ChunkSize)
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 100_000
	}
	if cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1 {
		cfg.BloomFPRate = 0.001
	}
	logger = utils.Component(logger, "cas")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path))
	}
	opts.Logger = badgerLogger{s: logger.Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, common.ErrIO("open store", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		filter: bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFPRate),
		pins:   make(map[string]int),
	}
	if err := s.loadFilter(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadFilter() error {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixObject)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			s.filter.AddString(key[len(prefixObject):])
			count++
		}
		return nil
	})
	if err != nil {
		return common.ErrIO("load index", err)
	}
	s.logger.Debug("object filter loaded", zap.Int("objects", count))
	return nil
}

func (s *Store) mayContain(cid string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filter.TestString(cid)
}

func (s *Store) remember(cid string) {
	s.filterMu.Lock()
	s.filter.AddString(cid)
	s.filterMu.Unlock()
}

func (s *Store) lockCID(cid string) func() {
	v, _ := s.cidLocks.LoadOrStore(cid, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Ingest splits r into chunks, stores each chunk under its digest and commits a manifest
// once the whole stream has been hashed. declaredSize may be UnknownSize. Ingesting bytes
// that already exist returns the existing object without writing a new manifest. Blocks
// written by an ingest that fails or deduplicates are removed again unless another manifest
// uses them.
func (s *Store) Ingest(ctx context.Context, r io.Reader, declaredSize int64, opts IngestOptions) (*IngestResult, error) {
	whole := NewStreamingVerifier("")
	buf := make([]byte, s.cfg.ChunkSize)

	var (
		chunks []common.ChunkDescriptor
		offset int64
		blocks ingestBlocks
	)
	defer func() { s.releaseBlocks(blocks) }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if declaredSize >= 0 && offset+int64(n) > declaredSize {
				return nil, common.ErrIntegrity("stream longer than declared size").
					WithContext("declared_size", declaredSize)
			}
			data := buf[:n]
			whole.Write(data)
			digest := ChunkDigest(data)
			if err := s.storeBlock(&blocks, digest, data); err != nil {
				return nil, err
			}
			chunks = append(chunks, common.ChunkDescriptor{
				Index:  len(chunks),
				Offset: offset,
				Length: int64(n),
				Digest: digest,
			})
			offset += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, common.ErrIO("read source", readErr)
		}
	}

	if declaredSize >= 0 && offset != declaredSize {
		return nil, common.ErrIntegrity("stream shorter than declared size").
			WithContext("declared_size", declaredSize).
			WithContext("actual_size", offset)
	}

	id, _ := whole.Finalize()
	obj := &common.ContentObject{
		CID:       id,
		Size:      offset,
		ChunkSize: s.cfg.ChunkSize,
		Chunks:    chunks,
		Name:      opts.Name,
		Tags:      opts.Tags,
		CreatedAt: time.Now().UTC(),
	}

	stored, dedup, err := s.commit(obj)
	if err != nil {
		return nil, err
	}

	s.logger.Info("object ingested",
		zap.String("cid", id),
		zap.Int64("size", offset),
		zap.Int("chunks", len(chunks)),
		zap.Bool("deduplicated", dedup))

	return &IngestResult{Object: stored, Deduplicated: dedup}, nil
}

// ingestBlocks records the blocks one Ingest call pinned and the ones it created.
type ingestBlocks struct {
	pinned  []string
	created []string
}

// storeBlock pins digest for the running ingest and writes the block if it is missing.
func (s *Store) storeBlock(b *ingestBlocks, digest string, data []byte) error {
	s.pinMu.Lock()
	s.pins[digest]++
	s.pinMu.Unlock()
	b.pinned = append(b.pinned, digest)

	created, err := s.putBlock(digest, data)
	if err != nil {
		return err
	}
	if created {
		b.created = append(b.created, digest)
	}
	return nil
}

// releaseBlocks unpins an ingest's blocks and deletes the ones it created that are neither
// pinned by another ingest nor referenced by a manifest.
func (s *Store) releaseBlocks(b ingestBlocks) {
	if len(b.pinned) == 0 {
		return
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	for _, d := range b.pinned {
		if s.pins[d]--; s.pins[d] <= 0 {
			delete(s.pins, d)
		}
	}
	var orphans []string
	for _, d := range b.created {
		if s.pins[d] == 0 {
			orphans = append(orphans, d)
		}
	}
	if len(orphans) == 0 {
		return
	}

	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = 0
		for _, d := range orphans {
			_, err := txn.Get(refKey(d))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(blockKey(d)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to remove unreferenced chunks", zap.Int("chunks", len(orphans)), zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("removed unreferenced chunks", zap.Int("chunks", removed))
	}
}

// putBlock stores chunk bytes under their digest unless already present. It reports
// whether this call wrote the block.
func (s *Store) putBlock(digest string, data []byte) (bool, error) {
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(blockKey(digest))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(blockKey(digest), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent writer stored the same digest
		return false, nil
	}
	if err != nil {
		return false, common.ErrIO("write chunk", err)
	}
	return created, nil
}

// addRefs marks every block of chunks as used by a manifest.
func addRefs(txn *badger.Txn, chunks []common.ChunkDescriptor) error {
	for _, c := range chunks {
		_, err := txn.Get(refKey(c.Digest))
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(refKey(c.Digest), nil); err != nil {
			return err
		}
	}
	return nil
}

// commit writes the (cid, index) entries, the block references, the catalog name and
// finally the manifest. If the object already exists it is compared instead.
func (s *Store) commit(obj *common.ContentObject) (*common.ContentObject, bool, error) {
	for attempt := 0; attempt < commitAttempts; attempt++ {
		var (
			existing *common.ContentObject
			added    bool
		)
		err := s.db.Update(func(txn *badger.Txn) error {
			prev, err := getObject(txn, objectKey(obj.CID))
			if err == nil {
				existing = prev
				return s.addName(txn, obj.Name, obj.CID)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			for _, c := range obj.Chunks {
				if err := txn.Set(indexKey(obj.CID, c.Index), []byte(c.Digest)); err != nil {
					return err
				}
			}
			if err := addRefs(txn, obj.Chunks); err != nil {
				return err
			}
			if err := s.addName(txn, obj.Name, obj.CID); err != nil {
				return err
			}
			if err := clearPartial(txn, obj.CID); err != nil {
				return err
			}
			data, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			added = true
			return txn.Set(objectKey(obj.CID), data)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, common.ErrIO("commit manifest", err)
		}

		if existing != nil {
			// Equal CIDs mean equal bytes; chunk lists only compare at the same chunk size.
			if existing.ChunkSize == obj.ChunkSize && !existing.SameChunks(obj) {
				return nil, false, common.ErrIntegrity("manifest differs from stored object").
					WithContext("cid", obj.CID)
			}
			return existing, true, nil
		}
		if added {
			s.remember(obj.CID)
		}
		return obj, false, nil
	}
	return nil, false, common.ErrIO("commit manifest", badger.ErrConflict).WithContext("cid", obj.CID)
}

func (s *Store) addName(txn *badger.Txn, name, cid string) error {
	if name == "" {
		return nil
	}
	_, err := txn.Get(nameKey(name))
	if err == nil {
		// names are first-come; the catalog never rebinds a name
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(nameKey(name), []byte(cid))
}

func getObject(txn *badger.Txn, key []byte) (*common.ContentObject, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var obj common.ContentObject
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &obj)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// Resolve returns the manifest of a complete object.
func (s *Store) Resolve(ctx context.Context, cid string) (*common.ContentObject, error) {
	if !s.mayContain(cid) {
		return nil, common.ErrNotFound("cid", cid)
	}
	var obj *common.ContentObject
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		obj, err = getObject(txn, objectKey(cid))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.ErrNotFound("cid", cid)
	}
	if err != nil {
		return nil, common.ErrIO("read manifest", err).WithContext("cid", cid)
	}
	return obj, nil
}

// ResolveName maps a catalog name to its CID.
func (s *Store) ResolveName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(name))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", common.ErrNotFound("name", name)
	}
	if err != nil {
		return "", common.ErrIO("read catalog", err)
	}
	return id, nil
}

// ReadChunk returns the bytes of one chunk, re-verifying its digest on every read.
func (s *Store) ReadChunk(ctx context.Context, cid string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.mayContain(cid) {
		return nil, common.ErrNotFound("cid", cid)
	}

	var (
		digest string
		data   []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(cid, index))
		if err != nil {
			return err
		}
		d, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		digest = string(d)

		item, err = txn.Get(blockKey(digest))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.ErrChunkNotFound(cid, index)
	}
	if err != nil {
		return nil, common.ErrIO("read chunk", err).WithContext("cid", cid)
	}

	if !VerifyChunk(digest, data) {
		s.logger.Error("stored chunk failed verification",
			zap.String("cid", cid), zap.Int("index", index))
		return nil, common.ErrIntegrity("stored chunk digest mismatch").
			WithContext("cid", cid).
			WithContext("chunk_index", index)
	}
	return data, nil
}

// ListLocal enumerates complete objects held by this store, ordered by CID.
func (s *Store) ListLocal(ctx context.Context) ([]common.ObjectSummary, error) {
	var out []common.ObjectSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixObject)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var obj common.ContentObject
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &obj)
			}); err != nil {
				return err
			}
			out = append(out, obj.Summary())
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, common.ErrIO("list objects", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out, nil
}
