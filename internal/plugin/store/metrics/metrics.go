package metrics

import (
	"context"
	"time"

	"github.com/treechat/treechat-service/internal/model"
	"github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/security"
)

// Wrap returns a ConversationStore that records StoreLatency for every operation.
func Wrap(inner store.ConversationStore) store.ConversationStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ConversationStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) CreateConversation(ctx context.Context) (string, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx)
}

func (m *metricsStore) ListConversations(ctx context.Context) ([]model.ConversationListItem, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx)
}

func (m *metricsStore) GetSummary(ctx context.Context, conversationID string) (*store.ConversationSummary, error) {
	defer observe("get_summary", time.Now())
	return m.inner.GetSummary(ctx, conversationID)
}

func (m *metricsStore) UpdateSummary(ctx context.Context, conversationID string, summary *string) (*store.ConversationSummary, error) {
	defer observe("update_summary", time.Now())
	return m.inner.UpdateSummary(ctx, conversationID, summary)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, conversationID string) error {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, conversationID)
}

func (m *metricsStore) UpsertMessage(ctx context.Context, conversationID string, msg store.UpsertMessageRequest) error {
	defer observe("upsert_message", time.Now())
	return m.inner.UpsertMessage(ctx, conversationID, msg)
}

func (m *metricsStore) AppendAssistantContent(ctx context.Context, conversationID, messageID, delta string) error {
	defer observe("append_assistant_content", time.Now())
	return m.inner.AppendAssistantContent(ctx, conversationID, messageID, delta)
}

func (m *metricsStore) OverwriteAssistantContent(ctx context.Context, conversationID, messageID, fullContent string) error {
	defer observe("overwrite_assistant_content", time.Now())
	return m.inner.OverwriteAssistantContent(ctx, conversationID, messageID, fullContent)
}

func (m *metricsStore) ReplaceSnapshot(ctx context.Context, conversationID string, snapshot *model.Snapshot) error {
	defer observe("replace_snapshot", time.Now())
	return m.inner.ReplaceSnapshot(ctx, conversationID, snapshot)
}

func (m *metricsStore) LoadConversation(ctx context.Context, conversationID string) (*model.Snapshot, error) {
	defer observe("load_conversation", time.Now())
	return m.inner.LoadConversation(ctx, conversationID)
}

func (m *metricsStore) LoadLatestConversation(ctx context.Context) (string, *model.Snapshot, error) {
	defer observe("load_latest_conversation", time.Now())
	return m.inner.LoadLatestConversation(ctx)
}

func (m *metricsStore) DeleteMessageSubtree(ctx context.Context, conversationID, messageID string) error {
	defer observe("delete_message_subtree", time.Now())
	return m.inner.DeleteMessageSubtree(ctx, conversationID, messageID)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

var _ store.ConversationStore = (*metricsStore)(nil)
