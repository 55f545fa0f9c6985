package tree

import "github.com/treechat/treechat-service/internal/model"

// PathToRoot returns the node chain from the root down to the node with
// the given id. Unknown ids and broken parent links yield nil. A cycle
// guard caps the walk at the node count.
func PathToRoot(s model.Snapshot, id string) []*model.Node {
	node, ok := s.Nodes[id]
	if !ok {
		return nil
	}
	var reversed []*model.Node
	for steps := 0; steps <= len(s.Nodes); steps++ {
		reversed = append(reversed, node)
		if node.ParentID == nil {
			out := make([]*model.Node, len(reversed))
			for i, n := range reversed {
				out[len(reversed)-1-i] = n
			}
			return out
		}
		parent, ok := s.Nodes[*node.ParentID]
		if !ok {
			return nil
		}
		node = parent
	}
	return nil
}

// LatestLeaf returns the id of the most recently created leaf node,
// breaking ties by larger id. Empty string when the tree has no nodes.
func LatestLeaf(s model.Snapshot) string {
	hasChildren := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ParentID != nil {
			hasChildren[*n.ParentID] = true
		}
	}
	best := ""
	var bestAt int64
	for id, n := range s.Nodes {
		if hasChildren[id] {
			continue
		}
		if best == "" || n.CreatedAt > bestAt || (n.CreatedAt == bestAt && id > best) {
			best = id
			bestAt = n.CreatedAt
		}
	}
	return best
}

// ChatMessages renders the root-to-leaf path as chat turns, skipping
// nodes with empty content except the system root.
func ChatMessages(s model.Snapshot, leafID string) []model.ChatMessage {
	path := PathToRoot(s, leafID)
	if path == nil {
		return nil
	}
	out := make([]model.ChatMessage, 0, len(path))
	for _, n := range path {
		if n.Content == "" && n.Role != model.RoleSystem {
			continue
		}
		out = append(out, model.ChatMessage{Role: n.Role, Content: n.Content})
	}
	return out
}
