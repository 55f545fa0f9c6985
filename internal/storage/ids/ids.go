// Package ids validates the identifier grammars used by the conversation
// store: conversation ids are UUIDs, message ids are short opaque tokens
// (or UUIDs, for clients that use them).
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
)

var messageIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ConversationID validates and normalizes a conversation id. field names
// the request field for error reporting.
func ConversationID(raw string, field string) (string, error) {
	v := strings.TrimSpace(raw)
	id, err := uuid.Parse(v)
	if err != nil {
		return "", &registrystore.ValidationError{Field: field, Message: "must be a UUID"}
	}
	return id.String(), nil
}

// MessageID validates and normalizes a message id.
func MessageID(raw string, field string) (string, error) {
	v := strings.TrimSpace(raw)
	if messageIDRe.MatchString(v) {
		return v, nil
	}
	if id, err := uuid.Parse(v); err == nil {
		return id.String(), nil
	}
	return "", &registrystore.ValidationError{Field: field, Message: "invalid message id"}
}
