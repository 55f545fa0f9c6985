package model

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion tags every persisted document kind. Decoders reject any
// other value rather than guessing at shapes.
const SchemaVersion = 1

// DefaultSystemPrompt seeds new trees and synthesized roots.
const DefaultSystemPrompt = "You are a helpful assistant."

// SummaryMaxChars bounds conversation summaries, counted in runes.
const SummaryMaxChars = 100

// Role identifies who authored a message node.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalizes a raw role value. ok is false for anything outside
// the closed set.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(raw), true
	}
	return "", false
}

// Node is one message in a conversation tree. Children are ordered by
// arrival. ParentID is nil only for the root.
type Node struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	ParentID  *string  `json:"parentId"`
	Children  []string `json:"children"`
	CreatedAt int64    `json:"createdAt"`
	Model     string   `json:"model,omitempty"`
}

// Snapshot is a full tree serialization: the node map plus the root and
// the currently selected leaf.
type Snapshot struct {
	Nodes          map[string]*Node `json:"nodes"`
	RootID         string           `json:"rootId"`
	SelectedLeafID string           `json:"selectedLeafId"`
}

// ConversationMeta is the per-conversation metadata document.
type ConversationMeta struct {
	SchemaVersion int     `json:"schemaVersion"`
	ID            string  `json:"id"`
	Summary       *string `json:"summary"`
	Status        string  `json:"status"`
	CreatedAtMs   int64   `json:"createdAtMs"`
	UpdatedAtMs   int64   `json:"updatedAtMs"`
}

// StoredMessage is the per-message document. CreatedTsMs is fixed by the
// first write of the message id; UpdatedAtMs tracks the latest write.
type StoredMessage struct {
	SchemaVersion  int     `json:"schemaVersion"`
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	ParentID       *string `json:"parentId"`
	Role           Role    `json:"role"`
	Content        string  `json:"content"`
	Model          *string `json:"model"`
	CreatedTsMs    int64   `json:"createdTsMs"`
	UpdatedAtMs    int64   `json:"updatedAtMs"`
}

// ConversationListItem is the list-view projection of a conversation.
type ConversationListItem struct {
	ID      string `json:"id"`
	Preview string `json:"preview"`
}

// ModelConfig is the enabled-model document. EnabledIDs is deduplicated
// and order-preserving; DefaultID is always a member of EnabledIDs.
type ModelConfig struct {
	SchemaVersion int      `json:"schemaVersion"`
	EnabledIDs    []string `json:"enabledIds"`
	DefaultID     string   `json:"defaultId"`
	UpdatedAtMs   int64    `json:"updatedAtMs"`
}

// CatalogEntry describes one model from the upstream listing service.
// Provider is derived from the id prefix before the first slash.
type CatalogEntry struct {
	ID            string `json:"id"`
	CanonicalSlug string `json:"canonical_slug"`
	Name          string `json:"name"`
	Created       int64  `json:"created"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Provider      string `json:"provider"`
}

// CatalogDocument is the cached mirror of the upstream catalog. FetchedAtMs
// applies to the whole collection; staleness is now-fetchedAt > TTL.
type CatalogDocument struct {
	SchemaVersion int            `json:"schemaVersion"`
	FetchedAtMs   int64          `json:"fetchedAtMs"`
	Models        []CatalogEntry `json:"models"`
}

// ChatMessage is one turn of a chat request as sent upstream.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatLog records a relay exchange that had no target conversation, for
// audit and debugging.
type ChatLog struct {
	ID         uuid.UUID `json:"id"         gorm:"primaryKey;type:uuid"`
	Model      string    `json:"model"      gorm:"not null"`
	Messages   string    `json:"messages"   gorm:"not null"` // JSON-encoded []ChatMessage
	Response   string    `json:"response"`
	StartedAt  time.Time `json:"startedAt"  gorm:"not null"`
	FinishedAt time.Time `json:"finishedAt" gorm:"not null"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"  gorm:"not null"`
}

func (ChatLog) TableName() string { return "chat_logs" }
