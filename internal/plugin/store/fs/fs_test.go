package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treechat/treechat-service/internal/model"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/storage/paths"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func strPtrT(s string) *string { return &s }

func TestCreateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.DirExists(t, paths.Messages(s.dataDir, id))
	assert.FileExists(t, paths.ConversationMeta(s.dataDir, id))

	summary, err := s.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, summary.ID)
	assert.Nil(t, summary.Summary)
}

func TestGetSummaryUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSummary(context.Background(), "0e5ee29f-8f6a-4a8e-9f6e-5b2720a2d8a1")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGetSummaryInvalidID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSummary(context.Background(), "not-a-uuid")
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "conversation_id", validation.Field)
}

func TestUpdateSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	updated, err := s.UpdateSummary(ctx, id, strPtrT("Trip planning"))
	require.NoError(t, err)
	require.NotNil(t, updated.Summary)
	assert.Equal(t, "Trip planning", *updated.Summary)

	got, err := s.GetSummary(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Trip planning", *got.Summary)

	cleared, err := s.UpdateSummary(ctx, id, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.Summary)
}

func TestUpdateSummaryTooLong(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	long := make([]rune, model.SummaryMaxChars+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.UpdateSummary(ctx, id, strPtrT(string(long)))
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "summary", validation.Field)
}

func TestListConversationsOrderAndPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	// Touch the first conversation so it becomes the most recent.
	_, err = s.UpdateSummary(ctx, first, strPtrT("Older chat, newer write"))
	require.NoError(t, err)

	items, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, "Older chat, newer write", items[0].Preview)
	assert.Equal(t, second, items[1].ID)
	assert.Equal(t, "Untitled", items[1].Preview)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, id))
	assert.NoDirExists(t, paths.Conversation(s.dataDir, id))

	_, err = s.GetSummary(ctx, id)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	// Deleting again is not an error.
	require.NoError(t, s.DeleteConversation(ctx, id))
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "m1",
		Role:       "user",
		Content:    "draft",
		CreatedTs:  1000,
	}))
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "m1",
		Role:       "user",
		Content:    "final",
		CreatedTs:  9999,
	}))

	entries, err := os.ReadDir(paths.Messages(s.dataDir, id))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	node := snap.Nodes["m1"]
	require.NotNil(t, node)
	assert.Equal(t, "final", node.Content)
	assert.Equal(t, int64(1000), node.CreatedAt)
}

func TestUpsertMessageUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertMessage(context.Background(), "0e5ee29f-8f6a-4a8e-9f6e-5b2720a2d8a1", registrystore.UpsertMessageRequest{
		ExternalID: "m1",
		Role:       "user",
		Content:    "hi",
	})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestUpsertMessageBadRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	err = s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "m1",
		Role:       "robot",
		Content:    "beep",
	})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "role", validation.Field)
}

func TestUpsertMessageBadExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	err = s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "../escape",
		Role:       "user",
		Content:    "hi",
	})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestConcurrentUpsertsSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
				ExternalID: "m1",
				Role:       "user",
				Content:    "racing",
				CreatedTs:  4242,
			})
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(paths.Messages(s.dataDir, id))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "racing", snap.Nodes["m1"].Content)
	assert.Equal(t, int64(4242), snap.Nodes["m1"].CreatedAt)
}

func TestStreamScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "root",
		Role:       "system",
		Content:    "You are a helpful assistant.",
		CreatedTs:  1,
	}))
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID:       "u1",
		ParentExternalID: strPtrT("root"),
		Role:             "user",
		Content:          "Hello",
		CreatedTs:        2,
	}))
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID:       "a1",
		ParentExternalID: strPtrT("u1"),
		Role:             "assistant",
		Content:          "",
		CreatedTs:        3,
	}))
	require.NoError(t, s.AppendAssistantContent(ctx, id, "a1", "Hi"))
	require.NoError(t, s.AppendAssistantContent(ctx, id, "a1", " there"))

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 3)
	assert.Equal(t, "root", snap.RootID)
	assert.Equal(t, []string{"u1"}, snap.Nodes["root"].Children)
	assert.Equal(t, []string{"a1"}, snap.Nodes["u1"].Children)
	assert.Equal(t, "Hello", snap.Nodes["u1"].Content)
	assert.Equal(t, "Hi there", snap.Nodes["a1"].Content)
}

func TestAppendMissingMessageIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.AppendAssistantContent(ctx, id, "ghost", "delta"))
	require.NoError(t, s.OverwriteAssistantContent(ctx, id, "ghost", "full"))
}

func TestOverwriteAssistantContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "a1",
		Role:       "assistant",
		Content:    "partial tok",
		CreatedTs:  5,
	}))
	require.NoError(t, s.OverwriteAssistantContent(ctx, id, "a1", "the full final reply"))

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "the full final reply", snap.Nodes["a1"].Content)
	assert.Equal(t, int64(5), snap.Nodes["a1"].CreatedAt)
}

func TestReplaceSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	// Pre-existing message set that must be dropped by the replace.
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "stale",
		Role:       "user",
		Content:    "old world",
		CreatedTs:  1,
	}))

	in := &model.Snapshot{
		RootID: "r",
		Nodes: map[string]*model.Node{
			"r":  {ID: "r", Role: model.RoleSystem, Content: "sys", CreatedAt: 1},
			"u1": {ID: "u1", Role: model.RoleUser, Content: "q", ParentID: strPtrT("r"), CreatedAt: 2},
			"a1": {ID: "a1", Role: model.RoleAssistant, Content: "ans", ParentID: strPtrT("u1"), CreatedAt: 3, Model: "gpt-4o"},
			"a2": {ID: "a2", Role: model.RoleAssistant, Content: "alt", ParentID: strPtrT("u1"), CreatedAt: 4},
		},
	}
	require.NoError(t, s.ReplaceSnapshot(ctx, id, in))

	out, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, out.Nodes, 4)
	assert.Nil(t, out.Nodes["stale"])
	assert.Equal(t, "r", out.RootID)
	assert.Equal(t, []string{"u1"}, out.Nodes["r"].Children)
	assert.Equal(t, []string{"a1", "a2"}, out.Nodes["u1"].Children)
	for nodeID, want := range in.Nodes {
		got := out.Nodes[nodeID]
		require.NotNil(t, got, nodeID)
		assert.Equal(t, want.Role, got.Role)
		assert.Equal(t, want.Content, got.Content)
		assert.Equal(t, want.CreatedAt, got.CreatedAt)
		assert.Equal(t, want.Model, got.Model)
	}
}

func TestDeleteMessageSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceSnapshot(ctx, id, &model.Snapshot{
		RootID: "r",
		Nodes: map[string]*model.Node{
			"r":  {ID: "r", Role: model.RoleSystem, Content: "sys", CreatedAt: 1},
			"u1": {ID: "u1", Role: model.RoleUser, Content: "q1", ParentID: strPtrT("r"), CreatedAt: 2},
			"a1": {ID: "a1", Role: model.RoleAssistant, Content: "x", ParentID: strPtrT("u1"), CreatedAt: 3},
			"u2": {ID: "u2", Role: model.RoleUser, Content: "q2", ParentID: strPtrT("a1"), CreatedAt: 4},
			"u9": {ID: "u9", Role: model.RoleUser, Content: "other", ParentID: strPtrT("r"), CreatedAt: 5},
		},
	}))

	require.NoError(t, s.DeleteMessageSubtree(ctx, id, "u1"))

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)
	assert.NotNil(t, snap.Nodes["r"])
	assert.NotNil(t, snap.Nodes["u9"])
	assert.Equal(t, []string{"u9"}, snap.Nodes["r"].Children)

	err = s.DeleteMessageSubtree(ctx, id, "u1")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRootRepairSynthesizesSystemRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	// Two orphan messages referencing parents that were never written.
	// The smaller missing parent id wins the synthetic-root slot.
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID:       "u1",
		ParentExternalID: strPtrT("bbb"),
		Role:             "user",
		Content:          "orphan one",
		CreatedTs:        1,
	}))
	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID:       "u2",
		ParentExternalID: strPtrT("aaa"),
		Role:             "user",
		Content:          "orphan two",
		CreatedTs:        2,
	}))

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aaa", snap.RootID)
	root := snap.Nodes["aaa"]
	require.NotNil(t, root)
	assert.Equal(t, model.RoleSystem, root.Role)
	assert.Equal(t, model.DefaultSystemPrompt, root.Content)
	assert.Nil(t, root.ParentID)
	assert.Equal(t, []string{"u2"}, root.Children)
}

func TestLoadConversationEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = s.LoadConversation(ctx, id)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestLoadConversationSkipsMalformedFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessage(ctx, id, registrystore.UpsertMessageRequest{
		ExternalID: "good",
		Role:       "user",
		Content:    "kept",
		CreatedTs:  1,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Messages(s.dataDir, id), "junk.json"), []byte("{broken"), 0o644))

	snap, err := s.LoadConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.NotNil(t, snap.Nodes["good"])
}

func TestLoadLatestConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.LoadLatestConversation(ctx)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	older, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertMessage(ctx, older, registrystore.UpsertMessageRequest{
		ExternalID: "m1", Role: "user", Content: "first", CreatedTs: 1,
	}))

	newer, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertMessage(ctx, newer, registrystore.UpsertMessageRequest{
		ExternalID: "m1", Role: "user", Content: "second", CreatedTs: 1,
	}))

	id, snap, err := s.LoadLatestConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer, id)
	assert.Equal(t, "second", snap.Nodes["m1"].Content)
}

func TestIndependentConversationsDoNotInterfere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	b, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(convID, content string) {
			defer wg.Done()
			assert.NoError(t, s.UpsertMessage(ctx, convID, registrystore.UpsertMessageRequest{
				ExternalID: "m1",
				Role:       "user",
				Content:    content,
				CreatedTs:  1,
			}))
		}(map[bool]string{true: a, false: b}[i%2 == 0], "content")
	}
	wg.Wait()

	for _, convID := range []string{a, b} {
		snap, err := s.LoadConversation(ctx, convID)
		require.NoError(t, err)
		assert.Equal(t, "content", snap.Nodes["m1"].Content)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New("", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConversationRejectsMetaSchemaMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	metaPath := paths.ConversationMeta(s.dataDir, id)
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, []byte(strings.Replace(string(raw), `"schemaVersion": 1`, `"schemaVersion": 2`, 1)), 0o644))

	_, err = s.LoadConversation(ctx, id)
	require.Error(t, err)
}
