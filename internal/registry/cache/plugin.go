package cache

import (
	"context"
	"fmt"

	"github.com/treechat/treechat-service/internal/model"
)

type snapshotCacheKey struct{}

// WithSnapshotCacheContext returns a new context carrying the given
// SnapshotCache.
func WithSnapshotCacheContext(ctx context.Context, c SnapshotCache) context.Context {
	return context.WithValue(ctx, snapshotCacheKey{}, c)
}

// SnapshotCacheFromContext retrieves the SnapshotCache from the context.
// Returns nil if none was set.
func SnapshotCacheFromContext(ctx context.Context) SnapshotCache {
	c, _ := ctx.Value(snapshotCacheKey{}).(SnapshotCache)
	return c
}

// SnapshotCache caches loaded conversation snapshots. The store
// invalidates a conversation's entry on every mutation, so a hit is always
// consistent with the last write acknowledged by this process.
type SnapshotCache interface {
	Available() bool
	Get(ctx context.Context, conversationID string) (*model.Snapshot, error)
	Set(ctx context.Context, conversationID string, snapshot *model.Snapshot) error
	Remove(ctx context.Context, conversationID string) error
}

// Loader creates a cache from config carried on ctx.
type Loader func(ctx context.Context) (SnapshotCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
