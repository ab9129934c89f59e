package domain

import "context"

// TransactionView exposes read-only access to forests and nodes. Node
// slices come back in ascending path order, which for a materialized-path
// tree is pre-order traversal.
type TransactionView interface {
	FindForest(id string) (Forest, bool)
	ListForests() []Forest
	FindNode(forestID, id string) (TreeNode, bool)
	FindNodeByPath(forestID string, path Path) (TreeNode, bool)
	RootsOf(forestID string) []TreeNode
	ChildrenOf(forestID string, path Path) []TreeNode
	SubtreeOf(forestID string, path Path) []TreeNode
}

// Transaction is the mutation surface available inside RunInTransaction.
// Implementations derive Depth from Path on write and stamp timestamps.
type Transaction interface {
	// Snapshot returns a read view of the transaction's current state,
	// including uncommitted writes.
	Snapshot() TransactionView

	CreateForest(f Forest) (Forest, error)
	InsertNode(n TreeNode) (TreeNode, error)
	UpdatePayload(forestID, id string, mutator func(*NodePayload) error) (TreeNode, error)

	// BulkRewrite replaces the oldPrefix of every path at or below it with
	// newPrefix in one atomic step, recomputing depths. Returns the number
	// of rewritten nodes.
	BulkRewrite(forestID string, oldPrefix, newPrefix Path) (int, error)

	// DeleteSubtree removes the node at path and all of its descendants.
	// Returns the number of removed nodes; zero when path does not exist.
	DeleteSubtree(forestID string, path Path) (int, error)
}

// PersistentStore is implemented by each storage backend. RunInTransaction
// applies fn atomically: either every mutation commits or none do. View
// runs fn against a consistent read snapshot.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
