// Package tree implements the pure conversation-tree reducer. Apply never
// mutates its input; every action returns a new snapshot that preserves
// the tree invariants (one root, resolvable parents, acyclic, children
// mirror parent pointers).
package tree

import (
	"time"

	"github.com/google/uuid"
	"github.com/treechat/treechat-service/internal/model"
)

// Action is a closed set of tree mutations.
type Action interface {
	isAction()
}

// Select moves the selected leaf.
type Select struct{ ID string }

// SendUser appends a user node under ParentID and selects it. ID is
// optional; a fresh id is generated when empty.
type SendUser struct {
	ParentID string
	Content  string
	ID       string
}

// StartAssistant appends an empty assistant node under ParentID and
// selects it.
type StartAssistant struct {
	ParentID string
	ID       string
	Model    string
}

// AppendAssistant concatenates a streaming delta onto the node's content.
type AppendAssistant struct {
	ID    string
	Delta string
}

// FinalizeAssistant marks the end of a stream. No structural change.
type FinalizeAssistant struct{ ID string }

// RetryAssistant starts a fresh assistant sibling under the same parent.
type RetryAssistant struct {
	ParentID string
	ID       string
}

// EditUser creates an edited sibling of a user node under the same parent
// and selects it. The original node is never touched.
type EditUser struct {
	NodeID     string
	NewContent string
	NewID      string
}

// SetSystem replaces the root's content in place. This is the only
// permitted in-place non-streaming mutation.
type SetSystem struct{ Content string }

// DeleteSubtree removes a node and all its descendants.
type DeleteSubtree struct{ NodeID string }

// ReplaceAll loads a whole snapshot, discarding current state.
type ReplaceAll struct{ State model.Snapshot }

func (Select) isAction()            {}
func (SendUser) isAction()          {}
func (StartAssistant) isAction()    {}
func (AppendAssistant) isAction()   {}
func (FinalizeAssistant) isAction() {}
func (RetryAssistant) isAction()    {}
func (EditUser) isAction()          {}
func (SetSystem) isAction()         {}
func (DeleteSubtree) isAction()     {}
func (ReplaceAll) isAction()        {}

// NewState returns a fresh tree holding only a system root.
func NewState(systemPrompt string) model.Snapshot {
	root := &model.Node{
		ID:        uuid.NewString(),
		Role:      model.RoleSystem,
		Content:   systemPrompt,
		ParentID:  nil,
		Children:  []string{},
		CreatedAt: nowMs(),
	}
	return model.Snapshot{
		Nodes:          map[string]*model.Node{root.ID: root},
		RootID:         root.ID,
		SelectedLeafID: root.ID,
	}
}

// Apply runs one action against the snapshot and returns the next state.
// Unknown node references leave the state unchanged.
func Apply(s model.Snapshot, a Action) model.Snapshot {
	switch act := a.(type) {
	case ReplaceAll:
		return act.State

	case Select:
		s.SelectedLeafID = act.ID
		return s

	case SendUser:
		parent, ok := s.Nodes[act.ParentID]
		if !ok {
			return s
		}
		node := &model.Node{
			ID:        orNewID(act.ID),
			Role:      model.RoleUser,
			Content:   act.Content,
			ParentID:  strPtr(parent.ID),
			Children:  []string{},
			CreatedAt: nowMs(),
		}
		return insert(s, node)

	case StartAssistant:
		if _, ok := s.Nodes[act.ParentID]; !ok {
			return s
		}
		node := &model.Node{
			ID:        orNewID(act.ID),
			Role:      model.RoleAssistant,
			Content:   "",
			ParentID:  strPtr(act.ParentID),
			Children:  []string{},
			CreatedAt: nowMs(),
			Model:     act.Model,
		}
		return insert(s, node)

	case RetryAssistant:
		if _, ok := s.Nodes[act.ParentID]; !ok {
			return s
		}
		node := &model.Node{
			ID:        orNewID(act.ID),
			Role:      model.RoleAssistant,
			Content:   "",
			ParentID:  strPtr(act.ParentID),
			Children:  []string{},
			CreatedAt: nowMs(),
		}
		return insert(s, node)

	case AppendAssistant:
		node, ok := s.Nodes[act.ID]
		if !ok {
			return s
		}
		updated := *node
		updated.Content = node.Content + act.Delta
		s.Nodes = cloneWith(s.Nodes, &updated)
		return s

	case FinalizeAssistant:
		return s

	case EditUser:
		original, ok := s.Nodes[act.NodeID]
		if !ok || original.Role != model.RoleUser {
			return s
		}
		edited := &model.Node{
			ID:        orNewID(act.NewID),
			Role:      model.RoleUser,
			Content:   act.NewContent,
			ParentID:  original.ParentID,
			Children:  []string{},
			CreatedAt: nowMs(),
		}
		next := insert(s, edited)
		next.SelectedLeafID = edited.ID
		return next

	case SetSystem:
		root, ok := s.Nodes[s.RootID]
		if !ok {
			return s
		}
		updated := *root
		updated.Content = act.Content
		s.Nodes = cloneWith(s.Nodes, &updated)
		return s

	case DeleteSubtree:
		return deleteSubtree(s, act.NodeID)
	}
	return s
}

// insert adds node to a copied node map, links it into its parent's
// children, and selects it.
func insert(s model.Snapshot, node *model.Node) model.Snapshot {
	nodes := cloneWith(s.Nodes, node)
	if node.ParentID != nil {
		if parent, ok := nodes[*node.ParentID]; ok {
			updated := *parent
			updated.Children = append(append([]string{}, parent.Children...), node.ID)
			nodes[updated.ID] = &updated
		}
	}
	s.Nodes = nodes
	s.SelectedLeafID = node.ID
	return s
}

func deleteSubtree(s model.Snapshot, nodeID string) model.Snapshot {
	target, ok := s.Nodes[nodeID]
	if !ok {
		return s
	}

	// Iterative stack walk: collect the target and every transitive
	// descendant into a membership set.
	doomed := make(map[string]bool)
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if doomed[id] {
			continue
		}
		doomed[id] = true
		if n, ok := s.Nodes[id]; ok {
			stack = append(stack, n.Children...)
		}
	}

	// Rebuild the node map without members, filtering surviving children.
	nodes := make(map[string]*model.Node, len(s.Nodes))
	for id, n := range s.Nodes {
		if doomed[id] {
			continue
		}
		kept := *n
		kept.Children = filterOut(n.Children, doomed)
		nodes[id] = &kept
	}

	// Selection repair: walk parent pointers from the deleted target until
	// a surviving ancestor is found, else fall back to root.
	selected := s.SelectedLeafID
	if doomed[selected] {
		cur := target.ParentID
		for cur != nil && doomed[*cur] {
			parent, ok := s.Nodes[*cur]
			if !ok {
				cur = nil
				break
			}
			cur = parent.ParentID
		}
		if cur != nil {
			selected = *cur
		} else {
			selected = s.RootID
		}
	}

	s.Nodes = nodes
	s.SelectedLeafID = selected
	return s
}

func cloneWith(nodes map[string]*model.Node, updated *model.Node) map[string]*model.Node {
	out := make(map[string]*model.Node, len(nodes)+1)
	for id, n := range nodes {
		out[id] = n
	}
	out[updated.ID] = updated
	return out
}

func filterOut(ids []string, drop map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func strPtr(s string) *string { return &s }

func nowMs() int64 { return time.Now().UnixMilli() }
