package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"canopy/pkg/domain"
)

func seedForest(t *testing.T, store *Store) domain.Forest {
	t.Helper()
	var forest domain.Forest
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		forest, err = tx.CreateForest(domain.Forest{Name: "product-areas"})
		return err
	})
	if err != nil {
		t.Fatalf("create forest: %v", err)
	}
	return forest
}

func insertNode(t *testing.T, store *Store, forestID string, path domain.Path, name string) domain.TreeNode {
	t.Helper()
	var node domain.TreeNode
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		node, err = tx.InsertNode(domain.TreeNode{
			ForestID: forestID,
			Path:     path,
			Payload:  domain.NodePayload{Name: name},
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert node %s: %v", path, err)
	}
	return node
}

func TestInsertNodeAssignsIdentityAndDepth(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	node := insertNode(t, store, forest.ID, "00000001", "child")
	if node.ID == "" {
		t.Fatal("expected generated id")
	}
	if node.Depth != 2 {
		t.Fatalf("depth = %d, want 2", node.Depth)
	}
	if node.CreatedAt.IsZero() || node.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps")
	}
}

func TestInsertNodeDuplicatePath(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	insertNode(t, store, forest.ID, "0000", "first")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.InsertNode(domain.TreeNode{ForestID: forest.ID, Path: "0000"})
		return err
	})
	var dup domain.ErrDuplicatePath
	if !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicatePath, got %v", err)
	}
	if dup.Path != "0000" {
		t.Fatalf("duplicate path = %q", dup.Path)
	}
}

func TestInsertNodeUnknownForest(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.InsertNode(domain.TreeNode{ForestID: "missing", Path: "0000"})
		return err
	})
	var nf domain.ErrForestNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrForestNotFound, got %v", err)
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.InsertNode(domain.TreeNode{ForestID: forest.ID, Path: "0000"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if nodes := view.RootsOf(forest.ID); len(nodes) != 0 {
			t.Fatalf("rolled-back insert is visible: %d roots", len(nodes))
		}
		return nil
	})
}

func TestViewOrderingIsPreOrder(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	// Insert out of order; reads must come back in ascending path order.
	for _, p := range []domain.Path{"0001", "0000", "00000001", "000000010000", "00000000"} {
		insertNode(t, store, forest.ID, p, string(p))
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		subtree := view.SubtreeOf(forest.ID, "0000")
		want := []domain.Path{"0000", "00000000", "00000001", "000000010000"}
		if len(subtree) != len(want) {
			t.Fatalf("subtree size = %d, want %d", len(subtree), len(want))
		}
		for i, n := range subtree {
			if n.Path != want[i] {
				t.Fatalf("subtree[%d].Path = %q, want %q", i, n.Path, want[i])
			}
		}
		children := view.ChildrenOf(forest.ID, "0000")
		if len(children) != 2 || children[0].Path != "00000000" || children[1].Path != "00000001" {
			t.Fatalf("unexpected children %+v", children)
		}
		roots := view.RootsOf(forest.ID)
		if len(roots) != 2 || roots[0].Path != "0000" || roots[1].Path != "0001" {
			t.Fatalf("unexpected roots %+v", roots)
		}
		return nil
	})
}

func TestBulkRewriteMovesWholeSubtree(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	for _, p := range []domain.Path{"0000", "00000000", "0000000000000000", "0001"} {
		insertNode(t, store, forest.ID, p, string(p))
	}
	var affected int
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		affected, err = tx.BulkRewrite(forest.ID, "0000", "00010000")
		return err
	})
	if err != nil {
		t.Fatalf("bulk rewrite: %v", err)
	}
	if affected != 3 {
		t.Fatalf("affected = %d, want 3", affected)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		for _, want := range []struct {
			path  domain.Path
			depth int
		}{
			{"00010000", 2},
			{"000100000000", 3},
			{"00010000000000000000", 5},
		} {
			n, ok := view.FindNodeByPath(forest.ID, want.path)
			if !ok {
				t.Fatalf("node %q missing after rewrite", want.path)
			}
			if n.Depth != want.depth {
				t.Fatalf("node %q depth = %d, want %d", want.path, n.Depth, want.depth)
			}
		}
		if _, ok := view.FindNodeByPath(forest.ID, "0000"); ok {
			t.Fatal("old path still resolves")
		}
		return nil
	})
}

func TestBulkRewriteConflictAborts(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	insertNode(t, store, forest.ID, "0000", "src")
	insertNode(t, store, forest.ID, "0001", "taken")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.BulkRewrite(forest.ID, "0000", "0001")
		return err
	})
	var dup domain.ErrDuplicatePath
	if !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicatePath, got %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindNodeByPath(forest.ID, "0000"); !ok {
			t.Fatal("source vanished after failed rewrite")
		}
		return nil
	})
}

func TestDeleteSubtreeCountsAndSpares(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	for _, p := range []domain.Path{"0000", "00000000", "00000001", "0001"} {
		insertNode(t, store, forest.ID, p, string(p))
	}
	var removed int
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		removed, err = tx.DeleteSubtree(forest.ID, "0000")
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if roots := view.RootsOf(forest.ID); len(roots) != 1 || roots[0].Path != "0001" {
			t.Fatalf("unexpected surviving roots %+v", roots)
		}
		return nil
	})
}

func TestUpdatePayloadStampsUpdatedAt(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.SetNowFunc(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	forest := seedForest(t, store)
	node := insertNode(t, store, forest.ID, "0000", "before")
	var updated domain.TreeNode
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdatePayload(forest.ID, node.ID, func(p *domain.NodePayload) error {
			p.Name = "after"
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Payload.Name != "after" {
		t.Fatalf("name = %q", updated.Payload.Name)
	}
	if !updated.UpdatedAt.After(node.UpdatedAt) {
		t.Fatalf("UpdatedAt not advanced: %v -> %v", node.UpdatedAt, updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(node.CreatedAt) {
		t.Fatal("CreatedAt must not change on update")
	}
}

func TestConcurrentTransactionsStayConsistent(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	const writers = 8
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			done <- store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				roots := tx.Snapshot().RootsOf(forest.ID)
				seg, err := domain.SegmentForIndex(len(roots))
				if err != nil {
					return err
				}
				_, err = tx.InsertNode(domain.TreeNode{
					ForestID: forest.ID,
					Path:     domain.Path("").Append(seg),
				})
				return err
			})
		}()
	}
	failures := 0
	for i := 0; i < writers; i++ {
		if err := <-done; err != nil {
			var dup domain.ErrDuplicatePath
			if !errors.As(err, &dup) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		roots := view.RootsOf(forest.ID)
		if len(roots)+failures != writers {
			t.Fatalf("%d roots with %d duplicate failures, want %d total", len(roots), failures, writers)
		}
		seen := map[domain.Path]bool{}
		for _, r := range roots {
			if seen[r.Path] {
				t.Fatalf("duplicate root path %q", r.Path)
			}
			seen[r.Path] = true
		}
		return nil
	})
}

// A reader must never observe a half-moved subtree: every node is either at
// its pre-move or its post-move path, all of them together.
func TestReaderNeverSeesPartialMove(t *testing.T) {
	store := NewStore()
	forest := seedForest(t, store)
	insertNode(t, store, forest.ID, "0001", "anchor")
	root := insertNode(t, store, forest.ID, "0000", "root")
	mid := insertNode(t, store, forest.ID, "00000000", "mid")
	leaf := insertNode(t, store, forest.ID, "000000000000", "leaf")

	const moves = 500
	prefixes := [2]domain.Path{"0000", "00010000"}
	done := make(chan error, 1)
	go func() {
		for i := 0; i < moves; i++ {
			from, to := prefixes[i%2], prefixes[(i+1)%2]
			if err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				_, err := tx.BulkRewrite(forest.ID, from, to)
				return err
			}); err != nil {
				done <- fmt.Errorf("move %d: %w", i, err)
				return
			}
		}
		done <- nil
	}()

	for moving := true; moving; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			moving = false
		default:
		}
		err := store.View(context.Background(), func(view domain.TransactionView) error {
			n, ok := view.FindNode(forest.ID, root.ID)
			if !ok {
				return fmt.Errorf("subtree root missing")
			}
			if n.Path != prefixes[0] && n.Path != prefixes[1] {
				return fmt.Errorf("root at path %q, want %q or %q", n.Path, prefixes[0], prefixes[1])
			}
			sub := view.SubtreeOf(forest.ID, n.Path)
			if len(sub) != 3 {
				return fmt.Errorf("subtree under %q has %d nodes, want 3", n.Path, len(sub))
			}
			for _, got := range sub {
				if !n.Path.IsPrefixOf(got.Path) {
					return fmt.Errorf("node %q escaped prefix %q", got.Path, n.Path)
				}
			}
			if sub[1].ID != mid.ID || sub[2].ID != leaf.ID {
				return fmt.Errorf("subtree order changed: %q, %q", sub[1].ID, sub[2].ID)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}
