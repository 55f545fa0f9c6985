package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/treechat/treechat-service/internal/config"
	"github.com/treechat/treechat-service/internal/model"
	registrycache "github.com/treechat/treechat-service/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: TREECHAT_REDIS_URL is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a SnapshotCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SnapshotCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisSnapshotCache{client: client, ttl: ttl}, nil
}

type redisSnapshotCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func snapshotKey(conversationID string) string {
	return "conv-snapshot:" + conversationID
}

func (c *redisSnapshotCache) Available() bool {
	return true
}

func (c *redisSnapshotCache) Get(ctx context.Context, conversationID string) (*model.Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(conversationID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *redisSnapshotCache) Set(ctx context.Context, conversationID string, snapshot *model.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(conversationID), data, c.ttl).Err()
}

func (c *redisSnapshotCache) Remove(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, snapshotKey(conversationID)).Err()
}

var _ registrycache.SnapshotCache = (*redisSnapshotCache)(nil)
