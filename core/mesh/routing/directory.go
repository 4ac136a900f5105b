package routing

import (
	"context"
	"sort"
	"sync"

	"github.com/hivecompute/hive/core/mesh/common"
)

// Directory records published manifests and which peers hold which objects.
type Directory interface {
	// Publish stores a manifest. Manifests are immutable; publishing a different manifest
	// under an existing CID is an integrity error.
	Publish(ctx context.Context, obj *common.ContentObject) error
	Manifest(ctx context.Context, cid string) (*common.ContentObject, error)
	AddHolder(ctx context.Context, cid, peerID string) error
	RemoveHolder(ctx context.Context, cid, peerID string) error
	// Holders returns the peers holding a complete copy, ordered by peer ID.
	Holders(ctx context.Context, cid string) ([]string, error)
	// DropPeer forgets every holding of peerID.
	DropPeer(ctx context.Context, peerID string) error
	Close() error
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu        sync.RWMutex
	manifests map[string]*common.ContentObject
	holders   map[string]map[string]struct{} // cid -> peers
	byPeer    map[string]map[string]struct{} // peer -> cids
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		manifests: make(map[string]*common.ContentObject),
		holders:   make(map[string]map[string]struct{}),
		byPeer:    make(map[string]map[string]struct{}),
	}
}

func (d *MemoryDirectory) Publish(ctx context.Context, obj *common.ContentObject) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.manifests[obj.CID]; ok {
		if !prev.SameChunks(obj) {
			return common.ErrIntegrity("conflicting manifest").WithContext("cid", obj.CID)
		}
		return nil
	}
	cp := *obj
	d.manifests[obj.CID] = &cp
	return nil
}

func (d *MemoryDirectory) Manifest(ctx context.Context, cid string) (*common.ContentObject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, ok := d.manifests[cid]
	if !ok {
		return nil, common.ErrNotFound("cid", cid)
	}
	cp := *obj
	return &cp, nil
}

func (d *MemoryDirectory) AddHolder(ctx context.Context, cid, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.holders[cid]; !ok {
		d.holders[cid] = make(map[string]struct{})
	}
	d.holders[cid][peerID] = struct{}{}

	if _, ok := d.byPeer[peerID]; !ok {
		d.byPeer[peerID] = make(map[string]struct{})
	}
	d.byPeer[peerID][cid] = struct{}{}
	return nil
}

func (d *MemoryDirectory) RemoveHolder(ctx context.Context, cid, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(cid, peerID)
	return nil
}

func (d *MemoryDirectory) removeLocked(cid, peerID string) {
	if set, ok := d.holders[cid]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(d.holders, cid)
		}
	}
	if set, ok := d.byPeer[peerID]; ok {
		delete(set, cid)
		if len(set) == 0 {
			delete(d.byPeer, peerID)
		}
	}
}

func (d *MemoryDirectory) Holders(ctx context.Context, cid string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.holders[cid]))
	for p := range d.holders[cid] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) DropPeer(ctx context.Context, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for cid := range d.byPeer[peerID] {
		d.removeLocked(cid, peerID)
	}
	return nil
}

func (d *MemoryDirectory) Close() error { return nil }
