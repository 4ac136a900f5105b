package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/hivecompute/hive/core/mesh/common"
)

// RedisConfig configures the shared directory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisDirectory stores manifests and holder sets in Redis so several Queens can share one
// view of content placement.
//
//	<prefix>manifest:<cid>   JSON manifest (SETNX)
//	<prefix>holders:<cid>    set of peer IDs
//	<prefix>peer:<peer>      set of CIDs held by the peer
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisDirectory connects and pings the server.
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, common.ErrConnection(cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hive:"
	}
	return &RedisDirectory{client: client, prefix: prefix}, nil
}

func (d *RedisDirectory) manifestKey(cid string) string { return d.prefix + "manifest:" + cid }
func (d *RedisDirectory) holdersKey(cid string) string { return d.prefix + "holders:" + cid }
func (d *RedisDirectory) peerKey(peerID string) string { return d.prefix + "peer:" + peerID }

func (d *RedisDirectory) Publish(ctx context.Context, obj *common.ContentObject) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	created, err := d.client.SetNX(ctx, d.manifestKey(obj.CID), data, 0).Result()
	if err != nil {
		return common.ErrIO("publish manifest", err).WithContext("cid", obj.CID)
	}
	if created {
		return nil
	}
	prev, err := d.Manifest(ctx, obj.CID)
	if err != nil {
		return err
	}
	if !prev.SameChunks(obj) {
		return common.ErrIntegrity("conflicting manifest").WithContext("cid", obj.CID)
	}
	return nil
}

func (d *RedisDirectory) Manifest(ctx context.Context, cid string) (*common.ContentObject, error) {
	data, err := d.client.Get(ctx, d.manifestKey(cid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrNotFound("cid", cid)
	}
	if err != nil {
		return nil, common.ErrIO("read manifest", err).WithContext("cid", cid)
	}
	var obj common.ContentObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, common.ErrIntegrity("undecodable manifest").WithContext("cid", cid)
	}
	return &obj, nil
}

func (d *RedisDirectory) AddHolder(ctx context.Context, cid, peerID string) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, d.holdersKey(cid), peerID)
		pipe.SAdd(ctx, d.peerKey(peerID), cid)
		return nil
	})
	if err != nil {
		return common.ErrIO("add holder", err).WithContext("cid", cid).WithContext("peer_id", peerID)
	}
	return nil
}

func (d *RedisDirectory) RemoveHolder(ctx context.Context, cid, peerID string) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, d.holdersKey(cid), peerID)
		pipe.SRem(ctx, d.peerKey(peerID), cid)
		return nil
	})
	if err != nil {
		return common.ErrIO("remove holder", err).WithContext("cid", cid).WithContext("peer_id", peerID)
	}
	return nil
}

func (d *RedisDirectory) Holders(ctx context.Context, cid string) ([]string, error) {
	peers, err := d.client.SMembers(ctx, d.holdersKey(cid)).Result()
	if err != nil {
		return nil, common.ErrIO("list holders", err).WithContext("cid", cid)
	}
	sort.Strings(peers)
	return peers, nil
}

func (d *RedisDirectory) DropPeer(ctx context.Context, peerID string) error {
	cids, err := d.client.SMembers(ctx, d.peerKey(peerID)).Result()
	if err != nil {
		return common.ErrIO("list peer holdings", err).WithContext("peer_id", peerID)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cid := range cids {
			pipe.SRem(ctx, d.holdersKey(cid), peerID)
		}
		pipe.Del(ctx, d.peerKey(peerID))
		return nil
	})
	if err != nil {
		return common.ErrIO("drop peer", err).WithContext("peer_id", peerID)
	}
	return nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
