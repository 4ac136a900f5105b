package cas

import (
	"context"
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

// ImportManifest records the manifest of an object this node is about to receive chunk by
// chunk. Importing a manifest for an object already held completely is a no-op, even when
// the holder chunked it differently.
func (s *Store) ImportManifest(ctx context.Context, obj *common.ContentObject) error {
	if obj == nil {
		return common.ErrInvalidArgument("manifest is required")
	}
	if err := obj.Validate(); err != nil {
		return err
	}
	if _, err := ParseCID(obj.CID); err != nil {
		return common.ErrInvalidArgument("malformed cid").WithContext("cid", obj.CID)
	}

	var conflict bool
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getObject(txn, objectKey(obj.CID))
		if err == nil {
			conflict = prev.ChunkSize == obj.ChunkSize && !prev.SameChunks(obj)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		prev, err = getObject(txn, partialKey(obj.CID))
		if err == nil {
			conflict = !prev.SameChunks(obj)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := addRefs(txn, obj.Chunks); err != nil {
			return err
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		return txn.Set(partialKey(obj.CID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// concurrent import of the same manifest; re-check on the next call
		return nil
	}
	if err != nil {
		return common.ErrIO("import manifest", err).WithContext("cid", obj.CID)
	}
	if conflict {
		return common.ErrIntegrity("manifest differs from held manifest").WithContext("cid", obj.CID)
	}
	return nil
}

// HaveChunks reports which verified chunks of cid are present locally.
func (s *Store) HaveChunks(ctx context.Context, cid string) (ChunkStatus, error) {
	var status ChunkStatus
	err := s.db.View(func(txn *badger.Txn) error {
		if obj, err := getObject(txn, objectKey(cid)); err == nil {
			status.Known = true
			status.Complete = true
			status.Indices = make([]int, len(obj.Chunks))
			for i := range obj.Chunks {
				status.Indices[i] = i
			}
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if _, err := txn.Get(partialKey(cid)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		status.Known = true
		status.Indices = haveIndices(txn, cid)
		return nil
	})
	if err != nil {
		return ChunkStatus{}, common.ErrIO("read chunk status", err).WithContext("cid", cid)
	}
	return status, nil
}

func haveIndices(txn *badger.Txn, cid string) []int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = havePrefix(cid)
	it := txn.NewIterator(opts)
	defer it.Close()

	indices := []int{}
	for it.Rewind(); it.Valid(); it.Next() {
		if i, ok := parseHaveIndex(it.Item().Key()); ok {
			indices = append(indices, i)
		}
	}
	return indices
}

// ChunkLength returns the manifest length of chunk index of cid, taken from the partial
// manifest while the object is being received and from the complete one afterwards.
func (s *Store) ChunkLength(ctx context.Context, cid string, index int) (int64, error) {
	var manifest *common.ContentObject
	err := s.db.View(func(txn *badger.Txn) error {
		obj, err := getObject(txn, partialKey(cid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			obj, err = getObject(txn, objectKey(cid))
		}
		manifest = obj
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, common.ErrNotFound("cid", cid)
	}
	if err != nil {
		return 0, common.ErrIO("read manifest", err).WithContext("cid", cid)
	}
	if index < 0 || index >= len(manifest.Chunks) {
		return 0, common.ErrChunkNotFound(cid, index)
	}
	return manifest.Chunks[index].Length, nil
}

// PutChunk stores one chunk of a partially held object after checking it against the
// imported manifest. Bytes that fail verification are never written. Writing a chunk that is
// already held is a no-op. When the final chunk lands the whole object is re-hashed and,
// if it matches its CID, promoted to a complete object. The returned bool reports completion.
func (s *Store) PutChunk(ctx context.Context, cid string, index int, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var (
		manifest *common.ContentObject
		complete bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(cid)); err == nil {
			complete = true
			return nil
		}
		var err error
		manifest, err = getObject(txn, partialKey(cid))
		return err
	})
	if complete {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, common.ErrNotFound("cid", cid)
	}
	if err != nil {
		return false, common.ErrIO("read manifest", err).WithContext("cid", cid)
	}

	if index < 0 || index >= len(manifest.Chunks) {
		return false, common.ErrChunkNotFound(cid, index)
	}
	desc := manifest.Chunks[index]
	if int64(len(data)) != desc.Length || !VerifyChunk(desc.Digest, data) {
		return false, common.ErrIntegrity("chunk digest mismatch").
			WithContext("cid", cid).
			WithContext("chunk_index", index)
	}

	if _, err := s.putBlock(desc.Digest, data); err != nil {
		return false, err
	}

	unlock := s.lockCID(cid)
	defer unlock()

	var held int
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(cid)); err == nil {
			complete = true
			return nil
		}
		if _, err := txn.Get(haveKey(cid, index)); errors.Is(err, badger.ErrKeyNotFound) {
			if err := txn.Set(haveKey(cid, index), nil); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		held = len(haveIndices(txn, cid))
		return nil
	})
	if err != nil {
		return false, common.ErrIO("record chunk", err).WithContext("cid", cid)
	}
	if complete {
		return true, nil
	}
	if held < len(manifest.Chunks) {
		return false, nil
	}
	return true, s.finalize(ctx, manifest)
}

// finalize re-hashes a fully received object and promotes it if the CID matches.
// On mismatch the have markers are dropped so the object can be fetched again.
func (s *Store) finalize(ctx context.Context, manifest *common.ContentObject) error {
	verifier := NewStreamingVerifier(manifest.CID)
	for _, c := range manifest.Chunks {
		var data []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(blockKey(c.Digest))
			if err != nil {
				return err
			}
			data, err = item.ValueCopy(nil)
			return err
		})
		if err != nil {
			return common.ErrIO("read chunk", err).WithContext("cid", manifest.CID)
		}
		verifier.Write(data)
	}

	if _, ok := verifier.Finalize(); !ok {
		s.logger.Error("replicated object failed whole-object verification", zap.String("cid", manifest.CID))
		if err := s.db.Update(func(txn *badger.Txn) error {
			return clearHave(txn, manifest.CID)
		}); err != nil {
			s.logger.Warn("failed to reset partial object", zap.String("cid", manifest.CID), zap.Error(err))
		}
		return common.ErrIntegrity("object digest mismatch").WithContext("cid", manifest.CID)
	}

	if _, _, err := s.commit(manifest); err != nil {
		return err
	}
	s.logger.Info("replicated object complete",
		zap.String("cid", manifest.CID),
		zap.Int("chunks", len(manifest.Chunks)))
	return nil
}

func clearHave(txn *badger.Txn, cid string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = havePrefix(cid)
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func clearPartial(txn *badger.Txn, cid string) error {
	if err := clearHave(txn, cid); err != nil {
		return err
	}
	if err := txn.Delete(partialKey(cid)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}
