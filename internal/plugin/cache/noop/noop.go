package noop

import (
	"context"

	"github.com/treechat/treechat-service/internal/model"
	"github.com/treechat/treechat-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.SnapshotCache, error) {
			return &noopSnapshotCache{}, nil
		},
	})
}

type noopSnapshotCache struct{}

func (n *noopSnapshotCache) Available() bool { return false }
func (n *noopSnapshotCache) Get(_ context.Context, _ string) (*model.Snapshot, error) {
	return nil, nil
}
func (n *noopSnapshotCache) Set(_ context.Context, _ string, _ *model.Snapshot) error { return nil }
func (n *noopSnapshotCache) Remove(_ context.Context, _ string) error                 { return nil }

var _ cache.SnapshotCache = (*noopSnapshotCache)(nil)
