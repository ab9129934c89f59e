package core

import (
	"github.com/google/uuid"

	"canopy/pkg/domain"
)

// TreeView is the nested client representation of a node, shaped for the
// drag-and-drop tree UI. NodeID is a fresh render-scoped identifier the UI
// uses for DOM bookkeeping; ID is the stable node id.
type TreeView struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	VideoLink     string     `json:"video_link,omitempty"`
	VideoName     string     `json:"video_name,omitempty"`
	VideoDuration string     `json:"video_duration,omitempty"`
	HasSaved      bool       `json:"has_saved"`
	Children      []TreeView `json:"children"`
}

// BuildTreeView nests a pre-order node slice (ascending path order, as
// returned by SubtreeOf or RootsOf expansion) into TreeViews. Nodes whose
// ancestors are absent from the slice become top-level entries, so the same
// function serves both whole-forest and subtree rendering.
func BuildTreeView(nodes []TreeNode) []TreeView {
	var top []TreeView
	type frame struct {
		path Path
		view *TreeView
	}
	var stack []frame
	for _, n := range nodes {
		v := TreeView{
			ID:            n.ID,
			NodeID:        uuid.NewString(),
			Name:          n.Payload.Name,
			Description:   n.Payload.Description,
			VideoLink:     n.Payload.VideoLink,
			VideoName:     n.Payload.VideoName,
			VideoDuration: n.Payload.VideoDuration,
			HasSaved:      true,
			Children:      []TreeView{},
		}
		for len(stack) > 0 && !stack[len(stack)-1].path.IsAncestorOf(n.Path) {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			top = append(top, v)
			stack = append(stack, frame{path: n.Path, view: &top[len(top)-1]})
			continue
		}
		parent := stack[len(stack)-1].view
		parent.Children = append(parent.Children, v)
		stack = append(stack, frame{path: n.Path, view: &parent.Children[len(parent.Children)-1]})
	}
	return top
}

// EditKind discriminates the operations an edit request can ask for.
type EditKind int

const (
	EditCancel EditKind = iota
	EditAddRoot
	EditAddChild
	EditMove
	EditRename
)

// EditIntent is the interpreted form of a raw client edit request.
type EditIntent struct {
	Kind     EditKind
	NodeID   string
	ParentID *string
	Payload  NodePayload
}

// EditRequest mirrors the fields the tree UI posts on node edits and drops.
// Depth and MarginLeft are cosmetic indentation hints: the server derives
// structural depth from the resolved path and never trusts these.
type EditRequest struct {
	NodeID     string      `json:"node_id,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	Depth      int         `json:"depth,omitempty"`
	MarginLeft int         `json:"margin_left,omitempty"`
	HasDropped bool        `json:"has_dropped,omitempty"`
	Cancelled  bool        `json:"cancelled,omitempty"`
	Payload    NodePayload `json:"payload"`
}

// InterpretEditRequest flattens a raw request into one EditIntent.
// Cancellation always wins. A completed drop is a move; a non-drop
// request naming an existing node is a rename; otherwise the payload becomes
// a new root or child depending on whether a parent is named.
func InterpretEditRequest(req EditRequest) EditIntent {
	if req.Cancelled {
		return EditIntent{Kind: EditCancel}
	}
	parentID := optionalID(req.ParentID)
	if req.HasDropped && req.NodeID != "" {
		// A nil parent here means the node was dropped at the root level.
		return EditIntent{Kind: EditMove, NodeID: req.NodeID, ParentID: parentID}
	}
	if req.NodeID != "" {
		return EditIntent{Kind: EditRename, NodeID: req.NodeID, Payload: req.Payload}
	}
	if parentID == nil {
		return EditIntent{Kind: EditAddRoot, Payload: req.Payload}
	}
	return EditIntent{Kind: EditAddChild, ParentID: parentID, Payload: req.Payload}
}

// optionalID normalizes the UI's "no parent" encodings. The tree widget
// posts the literal string "None" for root-level targets.
func optionalID(raw string) *string {
	if raw == "" || raw == "None" || raw == "null" {
		return nil
	}
	return &raw
}

// ParentSummary reports the destination parent after a move so the UI can
// refresh its child counts without a full re-render. A nil ParentID means
// the node landed at the root level.
type ParentSummary struct {
	ParentID   *string `json:"parent_id"`
	ChildCount int     `json:"child_count"`
}

func summarizeParent(view domain.TransactionView, node TreeNode) ParentSummary {
	parentPath := node.Path.Parent()
	if parentPath == "" {
		return ParentSummary{ChildCount: len(view.RootsOf(node.ForestID))}
	}
	parent, ok := view.FindNodeByPath(node.ForestID, parentPath)
	if !ok {
		return ParentSummary{}
	}
	id := parent.ID
	return ParentSummary{ParentID: &id, ChildCount: len(view.ChildrenOf(node.ForestID, parent.Path))}
}
