package store

import (
	"context"
	"fmt"

	"github.com/treechat/treechat-service/internal/model"
)

// UpsertMessageRequest is the input for inserting or updating a message
// document. ExternalID is the client-assigned message id; CreatedTs is a
// logical millisecond timestamp fixed by the first write.
type UpsertMessageRequest struct {
	ExternalID       string  `json:"external_id"`
	ParentExternalID *string `json:"parent_external_id,omitempty"`
	Role             string  `json:"role"`
	Content          string  `json:"content"`
	Model            *string `json:"model,omitempty"`
	CreatedTs        int64   `json:"created_ts"`
}

// ConversationSummary is the id/summary projection of a conversation.
type ConversationSummary struct {
	ID      string  `json:"id"`
	Summary *string `json:"summary"`
}

// ConversationStore is the durable per-conversation message and metadata
// store. Every mutating call for a given conversation id executes under
// that conversation's exclusive lock.
type ConversationStore interface {
	CreateConversation(ctx context.Context) (string, error)
	ListConversations(ctx context.Context) ([]model.ConversationListItem, error)
	GetSummary(ctx context.Context, conversationID string) (*ConversationSummary, error)
	UpdateSummary(ctx context.Context, conversationID string, summary *string) (*ConversationSummary, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	// UpsertMessage is idempotent by external id: repeated writes keep the
	// original CreatedTs and take the latest content/role/model.
	UpsertMessage(ctx context.Context, conversationID string, msg UpsertMessageRequest) error

	// AppendAssistantContent concatenates delta onto a streaming assistant
	// message. Missing messages are ignored; callers treat this as
	// best-effort.
	AppendAssistantContent(ctx context.Context, conversationID, messageID, delta string) error

	// OverwriteAssistantContent replaces the full message text. Used as the
	// post-stream consistency checkpoint.
	OverwriteAssistantContent(ctx context.Context, conversationID, messageID, fullContent string) error

	ReplaceSnapshot(ctx context.Context, conversationID string, snapshot *model.Snapshot) error
	LoadConversation(ctx context.Context, conversationID string) (*model.Snapshot, error)
	LoadLatestConversation(ctx context.Context) (string, *model.Snapshot, error)
	DeleteMessageSubtree(ctx context.Context, conversationID, messageID string) error

	// Ping verifies the backing storage is readable and writable.
	Ping(ctx context.Context) error
}

// Loader creates a ConversationStore from config carried on ctx.
type Loader func(ctx context.Context) (ConversationStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
