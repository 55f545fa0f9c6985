package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treechat/treechat-service/internal/model"
)

func TestRoundTripAndRemove(t *testing.T) {
	cache, err := New(time.Minute)
	require.NoError(t, err)
	require.True(t, cache.Available())
	ctx := context.Background()

	missing, err := cache.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := &model.Snapshot{
		RootID:         "r",
		SelectedLeafID: "r",
		Nodes: map[string]*model.Node{
			"r": {ID: "r", Role: model.RoleSystem, Content: "sys", Children: []string{}},
		},
	}
	require.NoError(t, cache.Set(ctx, "conv-1", snap))

	got, err := cache.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r", got.RootID)
	assert.Equal(t, "sys", got.Nodes["r"].Content)

	require.NoError(t, cache.Remove(ctx, "conv-1"))
	gone, err := cache.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
