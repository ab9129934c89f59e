package core

import (
	"fmt"

	"canopy/pkg/domain"
)

// MovePosition names a placement policy for MoveSubtree. Only last-child is
// implemented; the parameter exists so callers state their intent.
type MovePosition string

// PositionLastChild appends the moved node after the destination's current
// children.
const PositionLastChild MovePosition = "last-child"

// Mutator implements the structural tree operations. It holds no state:
// every call reads fresh sibling and subtree data through the transaction it
// is handed, mutates, and returns.
type Mutator struct{}

// AddRoot inserts a new depth-1 node after the forest's existing roots.
func (Mutator) AddRoot(tx Transaction, forestID string, payload NodePayload) (TreeNode, error) {
	view := tx.Snapshot()
	if _, ok := view.FindForest(forestID); !ok {
		return TreeNode{}, domain.ErrForestNotFound{ID: forestID}
	}
	seg, err := domain.NextSiblingSegment(lastSegments(view.RootsOf(forestID)))
	if err != nil {
		return TreeNode{}, err
	}
	return tx.InsertNode(TreeNode{
		ForestID: forestID,
		Path:     domain.Path("").Append(seg),
		Payload:  payload,
	})
}

// AddChild inserts a new node as the last child of parentID.
func (Mutator) AddChild(tx Transaction, forestID, parentID string, payload NodePayload) (TreeNode, error) {
	view := tx.Snapshot()
	parent, ok := view.FindNode(forestID, parentID)
	if !ok {
		return TreeNode{}, domain.ErrParentNotFound{ForestID: forestID, ID: parentID}
	}
	seg, err := domain.NextSiblingSegment(lastSegments(view.ChildrenOf(forestID, parent.Path)))
	if err != nil {
		return TreeNode{}, err
	}
	return tx.InsertNode(TreeNode{
		ForestID: forestID,
		Path:     parent.Path.Append(seg),
		Payload:  payload,
	})
}

// MoveSubtree reparents nodeID (and its whole subtree) under newParentID,
// or to the root level when newParentID is nil. The moved node always
// becomes the last child of its destination; moving to the current parent
// re-appends it after its siblings. The rewrite of every descendant path
// happens through one store-level BulkRewrite so a concurrent reader never
// sees a mixed prefix.
func (Mutator) MoveSubtree(tx Transaction, forestID, nodeID string, newParentID *string, position MovePosition) (TreeNode, error) {
	if position != PositionLastChild {
		return TreeNode{}, fmt.Errorf("unsupported move position %q", position)
	}
	view := tx.Snapshot()
	node, ok := view.FindNode(forestID, nodeID)
	if !ok {
		return TreeNode{}, domain.ErrNodeNotFound{ForestID: forestID, ID: nodeID}
	}

	var destPath Path
	var siblings []TreeNode
	if newParentID == nil {
		destPath = ""
		siblings = view.RootsOf(forestID)
	} else {
		parent, ok := view.FindNode(forestID, *newParentID)
		if !ok {
			return TreeNode{}, domain.ErrParentNotFound{ForestID: forestID, ID: *newParentID}
		}
		// A destination inside the moved subtree (the node itself included)
		// would orphan the subtree from the rest of the forest.
		if node.Path.IsPrefixOf(parent.Path) {
			return TreeNode{}, domain.ErrInvalidMove{NodeID: nodeID, TargetID: *newParentID}
		}
		destPath = parent.Path
		siblings = view.ChildrenOf(forestID, parent.Path)
	}

	seg, err := domain.NextSiblingSegment(lastSegments(siblings))
	if err != nil {
		return TreeNode{}, err
	}
	newPath := destPath.Append(seg)
	if _, err := tx.BulkRewrite(forestID, node.Path, newPath); err != nil {
		return TreeNode{}, err
	}
	moved, ok := tx.Snapshot().FindNode(forestID, nodeID)
	if !ok {
		return TreeNode{}, domain.ErrNodeNotFound{ForestID: forestID, ID: nodeID}
	}
	return moved, nil
}

// DeleteSubtree removes nodeID and every descendant, returning the number of
// deleted nodes.
func (Mutator) DeleteSubtree(tx Transaction, forestID, nodeID string) (int, error) {
	node, ok := tx.Snapshot().FindNode(forestID, nodeID)
	if !ok {
		return 0, domain.ErrNodeNotFound{ForestID: forestID, ID: nodeID}
	}
	return tx.DeleteSubtree(forestID, node.Path)
}

// Rename updates payload fields only; the node keeps its path and position.
func (Mutator) Rename(tx Transaction, forestID, nodeID string, apply func(*NodePayload)) (TreeNode, error) {
	return tx.UpdatePayload(forestID, nodeID, func(p *NodePayload) error {
		apply(p)
		return nil
	})
}

func lastSegments(nodes []TreeNode) []Segment {
	segs := make([]Segment, 0, len(nodes))
	for _, n := range nodes {
		segs = append(segs, n.Path.LastSegment())
	}
	return segs
}
