package cas

import (
	"context"
	"io"

	"github.com/hivecompute/hive/core/mesh/common"
)

// Reader returns a stream of the object's bytes, verifying each chunk as it is read.
func (s *Store) Reader(ctx context.Context, cid string) (io.ReadCloser, *common.ContentObject, error) {
	obj, err := s.Resolve(ctx, cid)
	if err != nil {
		return nil, nil, err
	}
	return &objectReader{ctx: ctx, store: s, obj: obj}, obj, nil
}

type objectReader struct {
	ctx   context.Context
	store *Store
	obj   *common.ContentObject
	next  int
	buf   []byte
}

func (r *objectReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= len(r.obj.Chunks) {
			return 0, io.EOF
		}
		data, err := r.store.ReadChunk(r.ctx, r.obj.CID, r.next)
		if err != nil {
			return 0, err
		}
		r.buf = data
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *objectReader) Close() error {
	r.buf = nil
	r.next = len(r.obj.Chunks)
	return nil
}
