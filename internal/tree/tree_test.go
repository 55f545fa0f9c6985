package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treechat/treechat-service/internal/model"
)

func TestNewState(t *testing.T) {
	s := NewState("be brief")
	require.Len(t, s.Nodes, 1)
	root := s.Nodes[s.RootID]
	require.NotNil(t, root)
	assert.Equal(t, model.RoleSystem, root.Role)
	assert.Equal(t, "be brief", root.Content)
	assert.Nil(t, root.ParentID)
	assert.Empty(t, root.Children)
	assert.Equal(t, s.RootID, s.SelectedLeafID)
}

func TestSendUserAppendsAndSelects(t *testing.T) {
	s := NewState("sys")
	next := Apply(s, SendUser{ParentID: s.RootID, Content: "hello", ID: "u1"})

	require.Len(t, next.Nodes, 2)
	user := next.Nodes["u1"]
	require.NotNil(t, user)
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, "hello", user.Content)
	require.NotNil(t, user.ParentID)
	assert.Equal(t, s.RootID, *user.ParentID)
	assert.Equal(t, []string{"u1"}, next.Nodes[s.RootID].Children)
	assert.Equal(t, "u1", next.SelectedLeafID)

	// The input snapshot is untouched.
	assert.Len(t, s.Nodes, 1)
	assert.Empty(t, s.Nodes[s.RootID].Children)
}

func TestSendUserUnknownParentIsNoop(t *testing.T) {
	s := NewState("sys")
	next := Apply(s, SendUser{ParentID: "missing", Content: "x"})
	assert.Equal(t, s, next)
}

func TestAssistantStreamLifecycle(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "hi", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1", Model: "gpt-4o"})

	a := s.Nodes["a1"]
	require.NotNil(t, a)
	assert.Equal(t, model.RoleAssistant, a.Role)
	assert.Equal(t, "", a.Content)
	assert.Equal(t, "gpt-4o", a.Model)
	assert.Equal(t, "a1", s.SelectedLeafID)

	s = Apply(s, AppendAssistant{ID: "a1", Delta: "Hello"})
	s = Apply(s, AppendAssistant{ID: "a1", Delta: " there"})
	s = Apply(s, FinalizeAssistant{ID: "a1"})
	assert.Equal(t, "Hello there", s.Nodes["a1"].Content)
}

func TestRetryAssistantCreatesSibling(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "q", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, AppendAssistant{ID: "a1", Delta: "first answer"})
	s = Apply(s, RetryAssistant{ParentID: "u1", ID: "a2"})

	assert.Equal(t, []string{"a1", "a2"}, s.Nodes["u1"].Children)
	assert.Equal(t, "first answer", s.Nodes["a1"].Content)
	assert.Equal(t, "", s.Nodes["a2"].Content)
	assert.Equal(t, "a2", s.SelectedLeafID)
}

func TestEditUserCreatesSiblingKeepsOriginal(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "helo", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, EditUser{NodeID: "u1", NewContent: "hello", NewID: "u2"})

	assert.Equal(t, "helo", s.Nodes["u1"].Content)
	u2 := s.Nodes["u2"]
	require.NotNil(t, u2)
	assert.Equal(t, "hello", u2.Content)
	require.NotNil(t, u2.ParentID)
	assert.Equal(t, s.RootID, *u2.ParentID)
	assert.Equal(t, []string{"u1", "u2"}, s.Nodes[s.RootID].Children)
	assert.Equal(t, "u2", s.SelectedLeafID)
}

func TestEditUserRejectsNonUserNodes(t *testing.T) {
	s := NewState("sys")
	next := Apply(s, EditUser{NodeID: s.RootID, NewContent: "nope"})
	assert.Equal(t, s, next)
}

func TestSetSystemEditsRootInPlace(t *testing.T) {
	s := NewState("old prompt")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "hi", ID: "u1"})
	next := Apply(s, SetSystem{Content: "new prompt"})

	assert.Equal(t, "new prompt", next.Nodes[next.RootID].Content)
	assert.Len(t, next.Nodes, 2)
	assert.Equal(t, "old prompt", s.Nodes[s.RootID].Content)
}

func TestDeleteSubtreeRemovesDescendants(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "q1", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, SendUser{ParentID: "a1", Content: "q2", ID: "u2"})
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "other", ID: "u9"})

	next := Apply(s, DeleteSubtree{NodeID: "u1"})

	assert.Nil(t, next.Nodes["u1"])
	assert.Nil(t, next.Nodes["a1"])
	assert.Nil(t, next.Nodes["u2"])
	require.NotNil(t, next.Nodes["u9"])
	assert.Equal(t, []string{"u9"}, next.Nodes[next.RootID].Children)
}

func TestDeleteSubtreeRepairsSelection(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "q1", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, SendUser{ParentID: "a1", Content: "q2", ID: "u2"})
	require.Equal(t, "u2", s.SelectedLeafID)

	next := Apply(s, DeleteSubtree{NodeID: "a1"})
	assert.Equal(t, "u1", next.SelectedLeafID)

	next = Apply(s, DeleteSubtree{NodeID: "u1"})
	assert.Equal(t, s.RootID, next.SelectedLeafID)
}

func TestDeleteSubtreeKeepsUnrelatedSelection(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "a", ID: "u1"})
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "b", ID: "u2"})
	require.Equal(t, "u2", s.SelectedLeafID)

	next := Apply(s, DeleteSubtree{NodeID: "u1"})
	assert.Equal(t, "u2", next.SelectedLeafID)
}

func TestReplaceAll(t *testing.T) {
	s := NewState("sys")
	other := NewState("fresh")
	next := Apply(s, ReplaceAll{State: other})
	assert.Equal(t, other, next)
}

func TestPathToRoot(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "hi", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, AppendAssistant{ID: "a1", Delta: "yo"})

	path := PathToRoot(s, "a1")
	require.Len(t, path, 3)
	assert.Equal(t, s.RootID, path[0].ID)
	assert.Equal(t, "u1", path[1].ID)
	assert.Equal(t, "a1", path[2].ID)

	assert.Nil(t, PathToRoot(s, "missing"))
}

func TestChatMessagesSkipsEmptyNonSystem(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "hi", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})

	msgs := ChatMessages(s, "a1")
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
}

func TestLatestLeafPrefersNewest(t *testing.T) {
	s := NewState("sys")
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "hi", ID: "u1"})
	s = Apply(s, StartAssistant{ParentID: "u1", ID: "a1"})
	s = Apply(s, SendUser{ParentID: s.RootID, Content: "other branch", ID: "u2"})

	assert.Equal(t, "u2", LatestLeaf(s))
	assert.Equal(t, "", LatestLeaf(Apply(s, ReplaceAll{})))
}
