// Package paths defines the on-disk layout of the data directory.
package paths

import "path/filepath"

func Meta(dataDir string) string {
	return filepath.Join(dataDir, "meta.json")
}

func Conversations(dataDir string) string {
	return filepath.Join(dataDir, "conversations")
}

func Conversation(dataDir, conversationID string) string {
	return filepath.Join(Conversations(dataDir), conversationID)
}

func ConversationMeta(dataDir, conversationID string) string {
	return filepath.Join(Conversation(dataDir, conversationID), "conversation.json")
}

func Messages(dataDir, conversationID string) string {
	return filepath.Join(Conversation(dataDir, conversationID), "messages")
}

func Message(dataDir, conversationID, messageID string) string {
	return filepath.Join(Messages(dataDir, conversationID), messageID+".json")
}

func Models(dataDir string) string {
	return filepath.Join(dataDir, "models")
}

func ModelConfig(dataDir string) string {
	return filepath.Join(Models(dataDir), "config.json")
}

func Catalog(dataDir string) string {
	return filepath.Join(Models(dataDir), "catalog.json")
}
