// Package memory provides the in-memory implementation of the tree
// persistence store, used for tests and ephemeral environments. It is the
// reference implementation the SQL-backed stores mirror.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"canopy/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type forestState struct {
	forest domain.Forest
	byID   map[string]domain.TreeNode
	byPath map[domain.Path]string // path -> node id
}

type memoryState struct {
	forests map[string]*forestState
}

func newMemoryState() memoryState {
	return memoryState{forests: make(map[string]*forestState)}
}

func (s memoryState) clone() memoryState {
	out := memoryState{forests: make(map[string]*forestState, len(s.forests))}
	for id, fs := range s.forests {
		cp := &forestState{
			forest: fs.forest,
			byID:   make(map[string]domain.TreeNode, len(fs.byID)),
			byPath: make(map[domain.Path]string, len(fs.byPath)),
		}
		for k, v := range fs.byID {
			cp.byID[k] = v
		}
		for k, v := range fs.byPath {
			cp.byPath[k] = v
		}
		out.forests[id] = cp
	}
	return out
}

// Store keeps all forests in process memory. Mutations run against a clone
// of the state and the clone is swapped in only when the transaction
// function succeeds, so concurrent readers never observe partial rewrites.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// RunInTransaction executes fn against a private clone of the state and
// commits the clone atomically on success.
func (s *Store) RunInTransaction(_ context.Context, fn func(domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&view{state: &s.state})
}

// Close releases nothing for the memory store; it satisfies the interface.
func (s *Store) Close() error { return nil }

func newID() string { return uuid.NewString() }

type transaction struct {
	state memoryState
	now   time.Time
}

var _ domain.Transaction = (*transaction)(nil)

func (tx *transaction) Snapshot() domain.TransactionView {
	return &view{state: &tx.state}
}

func (tx *transaction) CreateForest(f domain.Forest) (domain.Forest, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	f.CreatedAt = tx.now
	tx.state.forests[f.ID] = &forestState{
		forest: f,
		byID:   make(map[string]domain.TreeNode),
		byPath: make(map[domain.Path]string),
	}
	return f, nil
}

func (tx *transaction) forest(id string) (*forestState, error) {
	fs, ok := tx.state.forests[id]
	if !ok {
		return nil, domain.ErrForestNotFound{ID: id}
	}
	return fs, nil
}

func (tx *transaction) InsertNode(n domain.TreeNode) (domain.TreeNode, error) {
	fs, err := tx.forest(n.ForestID)
	if err != nil {
		return domain.TreeNode{}, err
	}
	if _, exists := fs.byPath[n.Path]; exists {
		return domain.TreeNode{}, domain.ErrDuplicatePath{ForestID: n.ForestID, Path: n.Path}
	}
	if n.ID == "" {
		n.ID = newID()
	}
	n.Depth = n.Path.Depth()
	n.CreatedAt = tx.now
	n.UpdatedAt = tx.now
	fs.byID[n.ID] = n
	fs.byPath[n.Path] = n.ID
	return n, nil
}

func (tx *transaction) UpdatePayload(forestID, id string, mutator func(*domain.NodePayload) error) (domain.TreeNode, error) {
	fs, err := tx.forest(forestID)
	if err != nil {
		return domain.TreeNode{}, err
	}
	n, ok := fs.byID[id]
	if !ok {
		return domain.TreeNode{}, domain.ErrNodeNotFound{ForestID: forestID, ID: id}
	}
	if err := mutator(&n.Payload); err != nil {
		return domain.TreeNode{}, err
	}
	n.UpdatedAt = tx.now
	fs.byID[id] = n
	return n, nil
}

func (tx *transaction) BulkRewrite(forestID string, oldPrefix, newPrefix domain.Path) (int, error) {
	fs, err := tx.forest(forestID)
	if err != nil {
		return 0, err
	}
	var affected []domain.TreeNode
	for _, n := range fs.byID {
		if oldPrefix.IsPrefixOf(n.Path) {
			affected = append(affected, n)
		}
	}
	for _, n := range affected {
		rebased := n.Path.Rebase(oldPrefix, newPrefix)
		if other, exists := fs.byPath[rebased]; exists && other != n.ID {
			return 0, domain.ErrDuplicatePath{ForestID: forestID, Path: rebased}
		}
	}
	for _, n := range affected {
		delete(fs.byPath, n.Path)
	}
	for _, n := range affected {
		n.Path = n.Path.Rebase(oldPrefix, newPrefix)
		n.Depth = n.Path.Depth()
		n.UpdatedAt = tx.now
		fs.byID[n.ID] = n
		fs.byPath[n.Path] = n.ID
	}
	return len(affected), nil
}

func (tx *transaction) DeleteSubtree(forestID string, path domain.Path) (int, error) {
	fs, err := tx.forest(forestID)
	if err != nil {
		return 0, err
	}
	count := 0
	for id, n := range fs.byID {
		if path.IsPrefixOf(n.Path) {
			delete(fs.byID, id)
			delete(fs.byPath, n.Path)
			count++
		}
	}
	return count, nil
}

type view struct {
	state *memoryState
}

var _ domain.TransactionView = (*view)(nil)

func (v *view) FindForest(id string) (domain.Forest, bool) {
	fs, ok := v.state.forests[id]
	if !ok {
		return domain.Forest{}, false
	}
	return fs.forest, true
}

func (v *view) ListForests() []domain.Forest {
	out := make([]domain.Forest, 0, len(v.state.forests))
	for _, fs := range v.state.forests {
		out = append(out, fs.forest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *view) FindNode(forestID, id string) (domain.TreeNode, bool) {
	fs, ok := v.state.forests[forestID]
	if !ok {
		return domain.TreeNode{}, false
	}
	n, ok := fs.byID[id]
	return n, ok
}

func (v *view) FindNodeByPath(forestID string, path domain.Path) (domain.TreeNode, bool) {
	fs, ok := v.state.forests[forestID]
	if !ok {
		return domain.TreeNode{}, false
	}
	id, ok := fs.byPath[path]
	if !ok {
		return domain.TreeNode{}, false
	}
	return fs.byID[id], true
}

func (v *view) RootsOf(forestID string) []domain.TreeNode {
	return v.collect(forestID, func(n domain.TreeNode) bool { return n.Depth == 1 })
}

func (v *view) ChildrenOf(forestID string, path domain.Path) []domain.TreeNode {
	return v.collect(forestID, func(n domain.TreeNode) bool {
		return n.Depth == path.Depth()+1 && path.IsAncestorOf(n.Path)
	})
}

func (v *view) SubtreeOf(forestID string, path domain.Path) []domain.TreeNode {
	return v.collect(forestID, func(n domain.TreeNode) bool { return path.IsPrefixOf(n.Path) })
}

func (v *view) collect(forestID string, keep func(domain.TreeNode) bool) []domain.TreeNode {
	fs, ok := v.state.forests[forestID]
	if !ok {
		return nil
	}
	var out []domain.TreeNode
	for _, n := range fs.byID {
		if keep(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(string(out[i].Path), string(out[j].Path)) < 0
	})
	return out
}
