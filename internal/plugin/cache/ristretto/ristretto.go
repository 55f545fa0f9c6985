package ristretto

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/treechat/treechat-service/internal/config"
	"github.com/treechat/treechat-service/internal/model"
	registrycache "github.com/treechat/treechat-service/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "ristretto",
		Loader: func(ctx context.Context) (registrycache.SnapshotCache, error) {
			ttl := defaultTTL
			if cfg := config.FromContext(ctx); cfg != nil && cfg.CacheTTL > 0 {
				ttl = cfg.CacheTTL
			}
			return New(ttl)
		},
	})
}

// New creates an in-process snapshot cache. Snapshots are stored as JSON
// with byte length as cost so MaxCost bounds resident memory.
func New(ttl time.Duration) (registrycache.SnapshotCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     64 << 20, // 64 MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoSnapshotCache{cache: cache, ttl: ttl}, nil
}

type ristrettoSnapshotCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func (c *ristrettoSnapshotCache) Available() bool { return true }

func (c *ristrettoSnapshotCache) Get(_ context.Context, conversationID string) (*model.Snapshot, error) {
	data, ok := c.cache.Get(conversationID)
	if !ok {
		return nil, nil
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *ristrettoSnapshotCache) Set(_ context.Context, conversationID string, snapshot *model.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	c.cache.SetWithTTL(conversationID, data, int64(len(data)), c.ttl)
	c.cache.Wait()
	return nil
}

func (c *ristrettoSnapshotCache) Remove(_ context.Context, conversationID string) error {
	c.cache.Del(conversationID)
	return nil
}

var _ registrycache.SnapshotCache = (*ristrettoSnapshotCache)(nil)
