// Package fs implements the filesystem-backed conversation store. Each
// conversation is a directory holding one metadata document and one JSON
// document per message; every write is atomic and every mutating call for
// a conversation runs under that conversation's exclusive lock.
package fs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/treechat/treechat-service/internal/config"
	"github.com/treechat/treechat-service/internal/keylock"
	"github.com/treechat/treechat-service/internal/model"
	registrycache "github.com/treechat/treechat-service/internal/registry/cache"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/security"
	"github.com/treechat/treechat-service/internal/storage/fsjson"
	"github.com/treechat/treechat-service/internal/storage/ids"
	"github.com/treechat/treechat-service/internal/storage/paths"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "fs",
		Loader: func(ctx context.Context) (registrystore.ConversationStore, error) {
			cfg := config.FromContext(ctx)
			return New(cfg.DataDir, registrycache.SnapshotCacheFromContext(ctx))
		},
	})
}

// Store is the filesystem conversation store.
type Store struct {
	dataDir string
	locks   *keylock.KeyedMutex
	cache   registrycache.SnapshotCache
}

// New creates a Store rooted at dataDir, creating the directory layout on
// first use. cache may be nil.
func New(dataDir string, cache registrycache.SnapshotCache) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := fsjson.MkdirAll(paths.Conversations(dataDir)); err != nil {
		return nil, err
	}
	return &Store{
		dataDir: dataDir,
		locks:   keylock.New(),
		cache:   cache,
	}, nil
}

func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	meta := &model.ConversationMeta{
		SchemaVersion: model.SchemaVersion,
		ID:            id,
		Summary:       nil,
		Status:        "active",
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	err := s.locks.Do(id, func() error {
		if err := fsjson.MkdirAll(paths.Messages(s.dataDir, id)); err != nil {
			return err
		}
		return fsjson.WriteJSON(paths.ConversationMeta(s.dataDir, id), meta)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]model.ConversationListItem, error) {
	metas, err := s.listMetas()
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationListItem, 0, len(metas))
	for _, m := range metas {
		out = append(out, model.ConversationListItem{ID: m.ID, Preview: preview(m.Summary)})
	}
	return out, nil
}

// listMetas reads every conversation's metadata, skipping unreadable
// entries, sorted by updatedAt desc with id desc as tiebreak.
func (s *Store) listMetas() ([]*model.ConversationMeta, error) {
	entries, err := os.ReadDir(paths.Conversations(s.dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var metas []*model.ConversationMeta
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		meta, err := s.readMeta(ent.Name())
		if err != nil {
			log.Warn("skipping unreadable conversation", "id", ent.Name(), "error", err)
			continue
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].UpdatedAtMs != metas[j].UpdatedAtMs {
			return metas[i].UpdatedAtMs > metas[j].UpdatedAtMs
		}
		return metas[i].ID > metas[j].ID
	})
	return metas, nil
}

func preview(summary *string) string {
	if summary == nil || strings.TrimSpace(*summary) == "" {
		return "Untitled"
	}
	runes := []rune(*summary)
	if len(runes) > model.SummaryMaxChars {
		runes = runes[:model.SummaryMaxChars]
	}
	return string(runes)
}

func (s *Store) GetSummary(ctx context.Context, conversationID string) (*registrystore.ConversationSummary, error) {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return nil, err
	}
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	return &registrystore.ConversationSummary{ID: meta.ID, Summary: meta.Summary}, nil
}

func (s *Store) UpdateSummary(ctx context.Context, conversationID string, summary *string) (*registrystore.ConversationSummary, error) {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return nil, err
	}
	if summary != nil && len([]rune(*summary)) > model.SummaryMaxChars {
		return nil, &registrystore.ValidationError{
			Field:   "summary",
			Message: fmt.Sprintf("must be <= %d characters", model.SummaryMaxChars),
		}
	}

	err = s.locks.Do(id, func() error {
		meta, err := s.readMeta(id)
		if err != nil {
			return err
		}
		meta.Summary = summary
		meta.UpdatedAtMs = time.Now().UnixMilli()
		return fsjson.WriteJSON(paths.ConversationMeta(s.dataDir, id), meta)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return &registrystore.ConversationSummary{ID: id, Summary: summary}, nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	err = s.locks.Do(id, func() error {
		if err := os.RemoveAll(paths.Conversation(s.dataDir, id)); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) UpsertMessage(ctx context.Context, conversationID string, msg registrystore.UpsertMessageRequest) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	externalID, err := ids.MessageID(msg.ExternalID, "external_id")
	if err != nil {
		return err
	}
	var parentID *string
	if msg.ParentExternalID != nil {
		pid, err := ids.MessageID(*msg.ParentExternalID, "parent_external_id")
		if err != nil {
			return err
		}
		parentID = &pid
	}
	role, ok := model.ParseRole(msg.Role)
	if !ok {
		return &registrystore.ValidationError{Field: "role", Message: "must be one of: system, user, assistant"}
	}
	createdTs := msg.CreatedTs
	if createdTs < 0 {
		createdTs = 0
	}
	now := time.Now().UnixMilli()

	err = s.locks.Do(id, func() error {
		if err := s.requireConversation(id); err != nil {
			return err
		}
		path := paths.Message(s.dataDir, id, externalID)
		var existing model.StoredMessage
		found, err := fsjson.ReadJSONIfExists(path, &existing)
		if err != nil {
			return err
		}
		record := &model.StoredMessage{
			SchemaVersion:  model.SchemaVersion,
			ID:             externalID,
			ConversationID: id,
			ParentID:       parentID,
			Role:           role,
			Content:        msg.Content,
			Model:          normalizeModel(msg.Model),
			CreatedTsMs:    createdTs,
			UpdatedAtMs:    now,
		}
		// First write fixes CreatedTs for good; later writes win on
		// everything else.
		if found && existing.CreatedTsMs > 0 {
			record.CreatedTsMs = existing.CreatedTsMs
		}
		if err := fsjson.WriteJSON(path, record); err != nil {
			return err
		}
		return s.touch(id, now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) AppendAssistantContent(ctx context.Context, conversationID, messageID, delta string) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	externalID, err := ids.MessageID(messageID, "message_id")
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	err = s.locks.Do(id, func() error {
		path := paths.Message(s.dataDir, id, externalID)
		var existing model.StoredMessage
		found, err := fsjson.ReadJSONIfExists(path, &existing)
		if err != nil || !found {
			return err
		}
		existing.Content += delta
		existing.UpdatedAtMs = now
		if err := fsjson.WriteJSON(path, &existing); err != nil {
			return err
		}
		return s.touch(id, now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) OverwriteAssistantContent(ctx context.Context, conversationID, messageID, fullContent string) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	externalID, err := ids.MessageID(messageID, "message_id")
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	err = s.locks.Do(id, func() error {
		path := paths.Message(s.dataDir, id, externalID)
		var existing model.StoredMessage
		found, err := fsjson.ReadJSONIfExists(path, &existing)
		if err != nil || !found {
			return err
		}
		existing.Content = fullContent
		existing.UpdatedAtMs = now
		if err := fsjson.WriteJSON(path, &existing); err != nil {
			return err
		}
		return s.touch(id, now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) ReplaceSnapshot(ctx context.Context, conversationID string, snapshot *model.Snapshot) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	type record struct {
		id     string
		parent *string
		role   model.Role
		body   string
		model  *string
		ts     int64
	}
	var records []record
	if snapshot != nil {
		for _, n := range snapshot.Nodes {
			nodeID, err := ids.MessageID(n.ID, "node.id")
			if err != nil {
				return err
			}
			var parent *string
			if n.ParentID != nil {
				pid, err := ids.MessageID(*n.ParentID, "node.parentId")
				if err != nil {
					return err
				}
				parent = &pid
			}
			role, ok := model.ParseRole(string(n.Role))
			if !ok {
				return &registrystore.ValidationError{Field: "node.role", Message: "must be one of: system, user, assistant"}
			}
			ts := n.CreatedAt
			if ts < 0 {
				ts = 0
			}
			var mdl *string
			if strings.TrimSpace(n.Model) != "" {
				v := n.Model
				mdl = &v
			}
			records = append(records, record{id: nodeID, parent: parent, role: role, body: n.Content, model: mdl, ts: ts})
		}
	}

	err = s.locks.Do(id, func() error {
		if err := s.requireConversation(id); err != nil {
			return err
		}
		msgDir := paths.Messages(s.dataDir, id)
		if err := os.RemoveAll(msgDir); err != nil {
			return fmt.Errorf("clear messages for %s: %w", id, err)
		}
		if err := fsjson.MkdirAll(msgDir); err != nil {
			return err
		}
		for _, r := range records {
			stored := &model.StoredMessage{
				SchemaVersion:  model.SchemaVersion,
				ID:             r.id,
				ConversationID: id,
				ParentID:       r.parent,
				Role:           r.role,
				Content:        r.body,
				Model:          r.model,
				CreatedTsMs:    r.ts,
				UpdatedAtMs:    now,
			}
			if err := fsjson.WriteJSON(paths.Message(s.dataDir, id, r.id), stored); err != nil {
				return err
			}
		}
		return s.touch(id, now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, conversationID string) (*model.Snapshot, error) {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.cache.Available() {
		if snap, err := s.cache.Get(ctx, id); err == nil && snap != nil {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return snap, nil
		}
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
	}
	if err := s.requireConversation(id); err != nil {
		return nil, err
	}

	messages, err := s.loadAllMessages(id)
	if err != nil {
		return nil, err
	}
	snap, err := buildSnapshot(id, messages)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.cache.Available() {
		if err := s.cache.Set(ctx, id, snap); err != nil {
			log.Warn("snapshot cache set failed", "conversation", id, "error", err)
		}
	}
	return snap, nil
}

func (s *Store) LoadLatestConversation(ctx context.Context) (string, *model.Snapshot, error) {
	metas, err := s.listMetas()
	if err != nil {
		return "", nil, err
	}
	if len(metas) == 0 {
		return "", nil, &registrystore.NotFoundError{Resource: "conversation", ID: "latest"}
	}
	id := metas[0].ID
	snap, err := s.LoadConversation(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, snap, nil
}

func (s *Store) DeleteMessageSubtree(ctx context.Context, conversationID, messageID string) error {
	id, err := ids.ConversationID(conversationID, "conversation_id")
	if err != nil {
		return err
	}
	externalID, err := ids.MessageID(messageID, "message_id")
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	err = s.locks.Do(id, func() error {
		if err := s.requireConversation(id); err != nil {
			return err
		}
		messages, err := s.loadAllMessages(id)
		if err != nil {
			return err
		}
		children := map[string][]string{}
		present := map[string]bool{}
		for _, m := range messages {
			present[m.ID] = true
			if m.ParentID != nil {
				children[*m.ParentID] = append(children[*m.ParentID], m.ID)
			}
		}
		if !present[externalID] {
			return &registrystore.NotFoundError{Resource: "message", ID: externalID}
		}

		doomed := map[string]bool{}
		stack := []string{externalID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if doomed[cur] {
				continue
			}
			doomed[cur] = true
			stack = append(stack, children[cur]...)
		}

		for victim := range doomed {
			if err := os.Remove(paths.Message(s.dataDir, id, victim)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete message %s: %w", victim, err)
			}
		}
		return s.touch(id, now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// Ping verifies the data root exists and is writable.
func (s *Store) Ping(ctx context.Context) error {
	if err := fsjson.MkdirAll(paths.Conversations(s.dataDir)); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dataDir, ".ping-")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *Store) readMeta(id string) (*model.ConversationMeta, error) {
	var meta model.ConversationMeta
	found, err := fsjson.ReadJSONIfExists(paths.ConversationMeta(s.dataDir, id), &meta)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id}
	}
	if meta.SchemaVersion != model.SchemaVersion {
		return nil, fmt.Errorf("conversation %s: unsupported schema version %d", id, meta.SchemaVersion)
	}
	return &meta, nil
}

func (s *Store) requireConversation(id string) error {
	found, err := fsjson.Exists(paths.ConversationMeta(s.dataDir, id))
	if err != nil {
		return err
	}
	if !found {
		return &registrystore.NotFoundError{Resource: "conversation", ID: id}
	}
	return nil
}

// touch bumps the conversation's updatedAt. Callers hold the lock.
func (s *Store) touch(id string, now int64) error {
	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}
	meta.UpdatedAtMs = now
	return fsjson.WriteJSON(paths.ConversationMeta(s.dataDir, id), meta)
}

func (s *Store) invalidate(ctx context.Context, id string) {
	if s.cache == nil || !s.cache.Available() {
		return
	}
	if err := s.cache.Remove(ctx, id); err != nil {
		log.Warn("snapshot cache invalidation failed", "conversation", id, "error", err)
	}
}

// loadAllMessages reads every message document in the conversation,
// skipping files that fail strict decoding, sorted by createdTs asc with
// id asc as tiebreak so children keep arrival order.
func (s *Store) loadAllMessages(id string) ([]*model.StoredMessage, error) {
	entries, err := os.ReadDir(paths.Messages(s.dataDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list messages for %s: %w", id, err)
	}

	var out []*model.StoredMessage
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		var msg model.StoredMessage
		if err := fsjson.ReadJSON(paths.Messages(s.dataDir, id)+"/"+ent.Name(), &msg); err != nil {
			log.Warn("skipping unreadable message", "conversation", id, "file", ent.Name(), "error", err)
			continue
		}
		if msg.SchemaVersion != model.SchemaVersion {
			log.Warn("skipping message with unsupported schema", "conversation", id, "file", ent.Name(), "schemaVersion", msg.SchemaVersion)
			continue
		}
		out = append(out, &msg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedTsMs != out[j].CreatedTsMs {
			return out[i].CreatedTsMs < out[j].CreatedTsMs
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// buildSnapshot reconstructs a tree from scattered message documents. If
// no message is parentless but some reference a parent document that does
// not exist, a system root is synthesized under the lexicographically
// smallest missing parent id so reads never fail on slightly inconsistent
// history.
func buildSnapshot(conversationID string, messages []*model.StoredMessage) (*model.Snapshot, error) {
	nodes := make(map[string]*model.Node, len(messages))
	present := map[string]bool{}
	referencedParents := map[string]bool{}

	for _, m := range messages {
		present[m.ID] = true
		if m.ParentID != nil {
			referencedParents[*m.ParentID] = true
		}
	}
	for _, m := range messages {
		mdl := ""
		if m.Model != nil {
			mdl = *m.Model
		}
		nodes[m.ID] = &model.Node{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			ParentID:  m.ParentID,
			Children:  []string{},
			CreatedAt: m.CreatedTsMs,
			Model:     mdl,
		}
	}

	rootID := ""
	for _, m := range messages {
		if m.ParentID == nil {
			rootID = m.ID
			break
		}
	}
	if rootID == "" {
		var missing []string
		for pid := range referencedParents {
			if !present[pid] {
				missing = append(missing, pid)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			synthID := missing[0]
			nodes[synthID] = &model.Node{
				ID:       synthID,
				Role:     model.RoleSystem,
				Content:  model.DefaultSystemPrompt,
				ParentID: nil,
				Children: []string{},
			}
			rootID = synthID
		}
	}

	for _, m := range messages {
		if m.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*m.ParentID]; ok {
			parent.Children = append(parent.Children, m.ID)
		}
	}

	// Last resort for cyclic or otherwise broken data: promote the
	// oldest message to root.
	if rootID == "" && len(messages) > 0 {
		rootID = messages[0].ID
		promoted := *nodes[rootID]
		promoted.ParentID = nil
		nodes[rootID] = &promoted
	}
	if rootID == "" {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	return &model.Snapshot{
		Nodes:          nodes,
		RootID:         rootID,
		SelectedLeafID: rootID,
	}, nil
}

func normalizeModel(m *string) *string {
	if m == nil {
		return nil
	}
	v := strings.TrimSpace(*m)
	if v == "" {
		return nil
	}
	return &v
}
