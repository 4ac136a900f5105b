// Package distribution makes content available to Drones: it publishes manifests to the
// shared directory, locates holders, and replicates missing chunks to a target peer with
// per-chunk verification.
package distribution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/utils"
)

// ContentSource is the local store the coordinator serves chunks from.
type ContentSource interface {
	Resolve(ctx context.Context, cid string) (*common.ContentObject, error)
	ReadChunk(ctx context.Context, cid string, index int) ([]byte, error)
}

// PeerResolver maps peer IDs to dialable addresses.
type PeerResolver interface {
	Get(peerID string) (common.PeerRecord, bool)
}

// Config holds distribution settings
type Config struct {
	PipelineDepth int           `yaml:"pipeline_depth" env:"PIPELINE_DEPTH"`
	ChunkRetries  int           `yaml:"chunk_retries" env:"CHUNK_RETRIES"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout" env:"CHUNK_TIMEOUT"`
	Compress      bool          `yaml:"compress" env:"COMPRESS"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		PipelineDepth: 4,
		ChunkRetries:  3,
		ChunkTimeout:  2 * time.Minute,
		Compress:      true,
	}
}

// Distributor implements Announce, Locate and Replicate.
type Distributor struct {
	localID   string
	store     ContentSource
	dir       routing.Directory
	peers     PeerResolver
	transport transport.Transport
	events    events.Publisher
	cfg       Config
	logger    *zap.Logger

	flight    singleflight.Group
	mu        sync.RWMutex
	transfers map[string]*ChunkTransfer
}

// NewDistributor wires a distributor. localID is the coordinator's own peer ID, recorded as a
// holder of everything it announces.
func NewDistributor(localID string, store ContentSource, dir routing.Directory, peers PeerResolver,
	tr transport.Transport, pub events.Publisher, cfg Config, logger *zap.Logger) *Distributor {
	def := DefaultConfig()
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = def.PipelineDepth
	}
	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = def.ChunkRetries
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if pub == nil {
		pub = (*events.Bus)(nil)
	}
	return &Distributor{
		localID:   localID,
		store:     store,
		dir:       dir,
		peers:     peers,
		transport: tr,
		events:    pub,
		cfg:       cfg,
		logger:    utils.Component(logger, "distribution"),
		transfers: make(map[string]*ChunkTransfer),
	}
}

// Announce publishes the manifest of a locally held object and records the coordinator as
// a holder.
func (d *Distributor) Announce(ctx context.Context, cid string) error {
	obj, err := d.store.Resolve(ctx, cid)
	if err != nil {
		return err
	}
	if err := d.dir.Publish(ctx, obj); err != nil {
		return err
	}
	if err := d.dir.AddHolder(ctx, cid, d.localID); err != nil {
		return err
	}
	d.events.Publish(events.TopicContentAnnounce, obj.Summary())
	d.logger.Info("announced object",
		zap.String("cid", cid),
		zap.Int64("size", obj.Size),
		zap.Int("chunks", obj.ChunkCount()))
	return nil
}

// Locate returns the peers known to hold a complete copy of cid, ordered by peer ID.
func (d *Distributor) Locate(ctx context.Context, cid string) ([]string, error) {
	return d.dir.Holders(ctx, cid)
}

// Transfers returns snapshots of the replications currently running.
func (d *Distributor) Transfers() []TransferSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]TransferSnapshot, 0, len(d.transfers))
	for _, t := range d.transfers {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Replicate brings target up to a complete, verified copy of cid. Only chunks the target does
// not already hold are moved. Concurrent calls for the same object and target share one
// transfer.
func (d *Distributor) Replicate(ctx context.Context, cid, target string) (*ChunkTransfer, error) {
	v, err, _ := d.flight.Do(cid+"|"+target, func() (interface{}, error) {
		return d.replicate(ctx, cid, target)
	})
	t, _ := v.(*ChunkTransfer)
	return t, err
}

// Manifest returns the published manifest of cid, falling back to the local store.
func (d *Distributor) Manifest(ctx context.Context, cid string) (*common.ContentObject, error) {
	obj, err := d.dir.Manifest(ctx, cid)
	if err == nil {
		return obj, nil
	}
	if !common.IsCode(err, common.ErrCodeNotFound) {
		return nil, err
	}
	return d.store.Resolve(ctx, cid)
}

func (d *Distributor) address(peerID string) (string, error) {
	rec, ok := d.peers.Get(peerID)
	if !ok || rec.Address == "" {
		return "", common.ErrNotFound("peer", peerID)
	}
	return rec.Address, nil
}

func (d *Distributor) replicate(ctx context.Context, cid, target string) (*ChunkTransfer, error) {
	obj, err := d.Manifest(ctx, cid)
	if err != nil {
		return nil, err
	}
	targetAddr, err := d.address(target)
	if err != nil {
		return nil, err
	}

	if err := d.transport.Call(ctx, targetAddr, common.MethodChunkManifest,
		common.ChunkManifestRequest{Object: obj}, nil); err != nil {
		return nil, err
	}
	var have common.ChunkHaveResponse
	if err := d.transport.Call(ctx, targetAddr, common.MethodChunkHave,
		common.ChunkHaveRequest{CID: cid}, &have); err != nil {
		return nil, err
	}

	outstanding := missing(obj.ChunkCount(), have.Indices)
	t := newChunkTransfer(utils.GenerateID(), cid, target, obj.ChunkCount(), outstanding)
	if have.Complete || len(outstanding) == 0 {
		t.finish(nil)
		return t, d.dir.AddHolder(ctx, cid, target)
	}

	sources, err := d.sources(ctx, cid, target)
	if err != nil {
		return nil, err
	}

	d.track(t)
	defer d.untrack(t)

	log := d.logger.With(
		zap.String("transfer", utils.ShortID(t.ID)),
		zap.String("cid", cid),
		zap.String("target", utils.ShortID(target)))
	log.Info("replication started",
		zap.Int("outstanding", len(outstanding)),
		zap.Int("total", obj.ChunkCount()),
		zap.Int("sources", len(sources)))
	d.events.Publish(events.TopicTransferStarted, t.Snapshot())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.PipelineDepth)
	for _, idx := range outstanding {
		g.Go(func() error {
			return d.moveChunk(gctx, t, obj, idx, sources, targetAddr)
		})
	}
	err = g.Wait()
	t.finish(err)
	d.events.Publish(events.TopicTransferDone, t.Snapshot())
	if err != nil {
		log.Warn("replication failed", zap.Error(err))
		return t, err
	}

	if err := d.dir.AddHolder(ctx, cid, target); err != nil {
		return t, err
	}
	log.Info("replication complete")
	return t, nil
}

// sources returns the holders chunks may be pulled from, the coordinator first when it holds
// the object locally.
func (d *Distributor) sources(ctx context.Context, cid, target string) ([]string, error) {
	holders, err := d.dir.Holders(ctx, cid)
	if err != nil {
		return nil, err
	}
	var out []string
	if _, err := d.store.Resolve(ctx, cid); err == nil {
		out = append(out, d.localID)
	}
	for _, h := range holders {
		if h == target || h == d.localID {
			continue
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, common.ErrNotFound("holder", cid)
	}
	return out, nil
}

func missing(total int, held []int) []int {
	seen := make(map[int]struct{}, len(held))
	for _, idx := range held {
		seen[idx] = struct{}{}
	}
	out := make([]int, 0, total-len(seen))
	for i := 0; i < total; i++ {
		if _, ok := seen[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// moveChunk pulls one chunk from a holder, verifies it and pushes it to the target. A chunk
// that fails verification is re-requested, rotating through holders; bytes that fail
// verification are never forwarded.
func (d *Distributor) moveChunk(ctx context.Context, t *ChunkTransfer, obj *common.ContentObject,
	idx int, sources []string, targetAddr string) error {
	desc := obj.Chunks[idx]
	var (
		lastErr    error
		lastSource string
		corrupt    bool
	)
	for attempt := 0; attempt < d.cfg.ChunkRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		source := sources[(idx+attempt)%len(sources)]
		lastSource = source
		t.attempt(idx)

		data, err := d.fetch(ctx, source, obj.CID, idx, desc.Length)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			lastErr = err
			corrupt = common.IsCode(err, common.ErrCodeIntegrity)
			d.logger.Warn("chunk fetch failed",
				zap.String("cid", obj.CID),
				zap.Int("index", idx),
				zap.String("source", utils.ShortID(source)),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		if int64(len(data)) != desc.Length || !cas.VerifyChunk(desc.Digest, data) {
			lastErr = common.ErrIntegrity("chunk digest mismatch").
				WithContext("cid", obj.CID).
				WithContext("chunk_index", idx).
				WithContext("peer_id", source)
			corrupt = true
			d.logger.Warn("chunk failed verification",
				zap.String("cid", obj.CID),
				zap.Int("index", idx),
				zap.String("source", utils.ShortID(source)),
				zap.Int("attempt", attempt+1))
			continue
		}

		if err := d.push(ctx, targetAddr, obj.CID, idx, desc.Digest, data); err != nil {
			if common.IsCode(err, common.ErrCodeIntegrity) {
				// Corrupted on the way to the target; fetch again.
				lastErr, corrupt = err, true
				continue
			}
			return err
		}
		t.ack(idx, len(data))
		d.events.Publish(events.TopicTransferChunk, ChunkProgress{
			TransferID: t.ID,
			CID:        obj.CID,
			Target:     t.Target,
			Index:      idx,
			Remaining:  len(t.Outstanding()),
		})
		return nil
	}

	if corrupt {
		return common.ErrCorruptTransfer(obj.CID, idx, lastSource, d.cfg.ChunkRetries)
	}
	return lastErr
}

// ChunkProgress is published for every chunk acknowledged by a target.
type ChunkProgress struct {
	TransferID string `json:"transfer_id"`
	CID        string `json:"cid"`
	Target     string `json:"target"`
	Index      int    `json:"index"`
	Remaining  int    `json:"remaining"`
}

func (d *Distributor) fetch(ctx context.Context, source, cid string, idx int, length int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChunkTimeout)
	defer cancel()

	if source == d.localID {
		return d.store.ReadChunk(ctx, cid, idx)
	}
	addr, err := d.address(source)
	if err != nil {
		return nil, err
	}
	accept := common.EncodingIdentity
	if d.cfg.Compress {
		accept = common.EncodingBrotli
	}
	var payload common.ChunkPayload
	if err := d.transport.Call(ctx, addr, common.MethodChunkFetch,
		common.ChunkFetchRequest{CID: cid, Index: idx, AcceptEncoding: accept}, &payload); err != nil {
		return nil, err
	}
	return DecodeChunk(payload, length)
}

func (d *Distributor) push(ctx context.Context, addr, cid string, idx int, digest string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChunkTimeout)
	defer cancel()

	accept := common.EncodingIdentity
	if d.cfg.Compress {
		accept = common.EncodingBrotli
	}
	var reply common.ChunkStoreResponse
	return d.transport.Call(ctx, addr, common.MethodChunkStore,
		EncodeChunk(cid, idx, digest, data, accept), &reply)
}

func (d *Distributor) track(t *ChunkTransfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers[t.ID] = t
}

func (d *Distributor) untrack(t *ChunkTransfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.transfers, t.ID)
}
