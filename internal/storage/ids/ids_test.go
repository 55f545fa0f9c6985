package ids

import (
	"errors"
	"strings"
	"testing"

	registrystore "github.com/treechat/treechat-service/internal/registry/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationID(t *testing.T) {
	id, err := ConversationID(" 5f0c09a1-9d6e-4876-9d0f-7f6a5b3c2d1e ", "conversation_id")
	require.NoError(t, err)
	assert.Equal(t, "5f0c09a1-9d6e-4876-9d0f-7f6a5b3c2d1e", id)

	_, err = ConversationID("not-a-uuid", "conversation_id")
	var verr *registrystore.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "conversation_id", verr.Field)
}

func TestMessageID(t *testing.T) {
	for _, ok := range []string{"abc", "a-b_c9", "M0", strings.Repeat("x", 128)} {
		got, err := MessageID(ok, "external_id")
		require.NoError(t, err, ok)
		assert.Equal(t, ok, got)
	}

	// UUIDs are accepted too.
	got, err := MessageID("5f0c09a1-9d6e-4876-9d0f-7f6a5b3c2d1e", "external_id")
	require.NoError(t, err)
	assert.Equal(t, "5f0c09a1-9d6e-4876-9d0f-7f6a5b3c2d1e", got)

	for _, bad := range []string{"", "has space", "a/b", strings.Repeat("x", 129)} {
		_, err := MessageID(bad, "external_id")
		var verr *registrystore.ValidationError
		require.True(t, errors.As(err, &verr), bad)
	}
}
