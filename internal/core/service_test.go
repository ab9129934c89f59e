package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canopy/internal/infra/persistence/memory"
	"canopy/pkg/domain"
)

// flakyStore wraps a real store and fails the first failures transaction
// attempts with err before delegating.
type flakyStore struct {
	PersistentStore
	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

func (f *flakyStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.PersistentStore.RunInTransaction(ctx, fn)
}

// denyAll blocks every mutation; reads stay open.
type denyAll struct{}

func (denyAll) CanModify(context.Context, string, string) bool { return false }
func (denyAll) CanView(context.Context, string, string) bool   { return true }

func newServiceFixture(t *testing.T, opts ...Option) (*Service, Forest) {
	t.Helper()
	svc := NewService(memory.NewStore(), opts...)
	forest, err := svc.CreateForest(context.Background(), "tester", Forest{Name: "product-areas"})
	if err != nil {
		t.Fatalf("create forest: %v", err)
	}
	return svc, forest
}

func TestServiceAddRootAndChild(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()
	root, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	if err != nil {
		t.Fatalf("add root: %v", err)
	}
	if root.Path != "0000" || root.Depth != 1 {
		t.Fatalf("root = %+v", root)
	}
	child, err := svc.AddChild(ctx, "tester", forest.ID, root.ID, NodePayload{Name: "alpha-1"})
	if err != nil {
		t.Fatalf("add child: %v", err)
	}
	if child.Path != "00000000" || child.Depth != 2 {
		t.Fatalf("child = %+v", child)
	}
}

func TestServiceForbidden(t *testing.T) {
	svc, forest := newServiceFixture(t, WithAuthorization(denyAll{}))
	ctx := context.Background()
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "x"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("add root: %v", err)
	}
	if _, _, err := svc.MoveSubtree(ctx, "tester", forest.ID, "n", nil); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("move: %v", err)
	}
	if _, err := svc.DeleteSubtree(ctx, "tester", forest.ID, "n"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Rename(ctx, "tester", forest.ID, "n", func(*NodePayload) {}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("rename: %v", err)
	}
	// Reads stay permitted.
	if _, err := svc.RenderForest(ctx, "tester", forest.ID); err != nil {
		t.Fatalf("render: %v", err)
	}
}

func TestServiceRetriesBusy(t *testing.T) {
	inner := memory.NewStore()
	flaky := &flakyStore{PersistentStore: inner, failures: 2, err: domain.ErrBusy}
	svc := NewService(flaky, WithBusyRetry(2, time.Millisecond))
	ctx := context.Background()
	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "f"})
	if err != nil {
		t.Fatalf("create forest survived %d busy failures: %v", flaky.attempts, err)
	}
	flaky.mu.Lock()
	flaky.failures = 2
	flaky.mu.Unlock()
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "x"}); err != nil {
		t.Fatalf("add root under transient contention: %v", err)
	}
}

func TestServiceBusyRetriesExhausted(t *testing.T) {
	flaky := &flakyStore{PersistentStore: memory.NewStore(), failures: 10, err: domain.ErrBusy}
	svc := NewService(flaky, WithBusyRetry(2, time.Millisecond))
	_, err := svc.CreateForest(context.Background(), "tester", Forest{Name: "f"})
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy after exhausted retries, got %v", err)
	}
}

func TestServiceRetriesDuplicatePathOnce(t *testing.T) {
	inner := memory.NewStore()
	flaky := &flakyStore{
		PersistentStore: inner,
		failures:        1,
		err:             domain.ErrDuplicatePath{ForestID: "f", Path: "0000"},
	}
	svc := NewService(flaky)
	ctx := context.Background()
	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "f"})
	if err != nil {
		t.Fatalf("create forest: %v", err)
	}
	flaky.mu.Lock()
	flaky.failures = 1
	before := flaky.attempts
	flaky.mu.Unlock()
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "x"}); err != nil {
		t.Fatalf("add root after duplicate-path retry: %v", err)
	}
	flaky.mu.Lock()
	attempts := flaky.attempts - before
	flaky.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestServiceDuplicatePathRetriedOnlyOnce(t *testing.T) {
	dup := domain.ErrDuplicatePath{ForestID: "f", Path: "0000"}
	flaky := &flakyStore{PersistentStore: memory.NewStore(), failures: 5, err: dup}
	svc := NewService(flaky)
	_, err := svc.CreateForest(context.Background(), "tester", Forest{Name: "f"})
	var got domain.ErrDuplicatePath
	if !errors.As(err, &got) {
		t.Fatalf("expected duplicate-path error to surface, got %v", err)
	}
	if flaky.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", flaky.attempts)
	}
}

func TestServiceRenderForest(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()
	trees, err := svc.RenderForest(ctx, "tester", forest.ID)
	if err != nil {
		t.Fatalf("render empty: %v", err)
	}
	if trees == nil || len(trees) != 0 {
		t.Fatalf("empty forest must render as [], got %v", trees)
	}

	root, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	if _, err := svc.AddChild(ctx, "tester", forest.ID, root.ID, NodePayload{Name: "alpha-1"}); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "beta"}); err != nil {
		t.Fatalf("add root: %v", err)
	}

	trees, err = svc.RenderForest(ctx, "tester", forest.ID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(trees) != 2 || trees[0].Name != "alpha" || trees[1].Name != "beta" {
		t.Fatalf("trees = %v", viewNames(trees))
	}
	if len(trees[0].Children) != 1 || trees[0].Children[0].Name != "alpha-1" {
		t.Fatalf("alpha children = %v", viewNames(trees[0].Children))
	}

	if _, err := svc.RenderForest(ctx, "tester", "missing"); !domain.IsNotFound(err) {
		t.Fatalf("unknown forest: %v", err)
	}
}

func TestServiceRenderSubtree(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()
	root, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	child, _ := svc.AddChild(ctx, "tester", forest.ID, root.ID, NodePayload{Name: "alpha-1"})

	view, err := svc.RenderSubtree(ctx, "tester", forest.ID, child.ID)
	if err != nil {
		t.Fatalf("render subtree: %v", err)
	}
	if view.Name != "alpha-1" || len(view.Children) != 0 {
		t.Fatalf("view = %+v", view)
	}

	if _, err := svc.RenderSubtree(ctx, "tester", forest.ID, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("unknown node: %v", err)
	}
}

func TestServiceListForests(t *testing.T) {
	svc, forest := newServiceFixture(t)
	forests, err := svc.ListForests(context.Background(), "tester")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(forests) != 1 || forests[0].ID != forest.ID {
		t.Fatalf("forests = %+v", forests)
	}
}

func TestServiceMoveSubtreeReturnsParentSummary(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()
	alpha, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	beta, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "beta"})
	child, _ := svc.AddChild(ctx, "tester", forest.ID, alpha.ID, NodePayload{Name: "alpha-1"})

	moved, summary, err := svc.MoveSubtree(ctx, "tester", forest.ID, child.ID, &beta.ID)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Path != "00010000" {
		t.Fatalf("moved path = %q", moved.Path)
	}
	if summary.ParentID == nil || *summary.ParentID != beta.ID {
		t.Fatalf("summary parent = %v", summary.ParentID)
	}
	if summary.ChildCount != 1 {
		t.Fatalf("summary count = %d", summary.ChildCount)
	}
}

func TestServiceHandleEditAddAndCancel(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()

	cancelled, err := svc.HandleEdit(ctx, "tester", forest.ID, EditRequest{Cancelled: true, Payload: NodePayload{Name: "x"}})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Cancelled || cancelled.Node != nil {
		t.Fatalf("cancel result = %+v", cancelled)
	}

	result, err := svc.HandleEdit(ctx, "tester", forest.ID, EditRequest{Payload: NodePayload{Name: "alpha"}})
	if err != nil {
		t.Fatalf("add root edit: %v", err)
	}
	if result.Node == nil || result.Node.Name != "alpha" {
		t.Fatalf("result = %+v", result)
	}
	if result.Parent.ParentID != nil || result.Parent.ChildCount != 1 {
		t.Fatalf("parent summary = %+v", result.Parent)
	}

	childResult, err := svc.HandleEdit(ctx, "tester", forest.ID, EditRequest{
		ParentID: result.Node.ID,
		Payload:  NodePayload{Name: "alpha-1"},
	})
	if err != nil {
		t.Fatalf("add child edit: %v", err)
	}
	if childResult.Node == nil || childResult.Node.Name != "alpha-1" {
		t.Fatalf("child result = %+v", childResult)
	}
	if childResult.Parent.ParentID == nil || *childResult.Parent.ParentID != result.Node.ID {
		t.Fatalf("child parent summary = %+v", childResult.Parent)
	}
}

func TestServiceHandleEditMoveAndRename(t *testing.T) {
	svc, forest := newServiceFixture(t)
	ctx := context.Background()
	alpha, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	beta, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "beta"})
	child, _ := svc.AddChild(ctx, "tester", forest.ID, alpha.ID, NodePayload{Name: "alpha-1"})

	moveResult, err := svc.HandleEdit(ctx, "tester", forest.ID, EditRequest{
		NodeID:     child.ID,
		ParentID:   beta.ID,
		HasDropped: true,
	})
	if err != nil {
		t.Fatalf("move edit: %v", err)
	}
	if moveResult.Node == nil || moveResult.Node.Name != "alpha-1" {
		t.Fatalf("move result = %+v", moveResult)
	}
	if moveResult.Parent.ParentID == nil || *moveResult.Parent.ParentID != beta.ID {
		t.Fatalf("move parent summary = %+v", moveResult.Parent)
	}

	renameResult, err := svc.HandleEdit(ctx, "tester", forest.ID, EditRequest{
		NodeID:  child.ID,
		Payload: NodePayload{Name: "gamma", Description: "renamed"},
	})
	if err != nil {
		t.Fatalf("rename edit: %v", err)
	}
	if renameResult.Node == nil || renameResult.Node.Name != "gamma" || renameResult.Node.Description != "renamed" {
		t.Fatalf("rename result = %+v", renameResult)
	}
}

func TestServiceObservabilityRecordsOutcomes(t *testing.T) {
	metrics := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	svc := NewService(memory.NewStore(),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
	)
	ctx := context.Background()
	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "f"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "x"}); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if _, err := svc.RenderForest(ctx, "tester", "missing"); err == nil {
		t.Fatal("expected render failure")
	}

	snap := metrics.Snapshot()
	if snap.Results["add_root"]["success"] != 1 {
		t.Fatalf("add_root metrics = %+v", snap.Results)
	}
	if snap.Results["render_forest"]["error"] != 1 {
		t.Fatalf("render_forest metrics = %+v", snap.Results)
	}
	var sawFailure bool
	for _, entry := range tracer.Entries() {
		if entry.Operation == "render_forest" && entry.Status == "error" && entry.Error != "" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("no failed render span in %+v", tracer.Entries())
	}
}

type spanContextKey struct{}

// stampingTracer returns a derived context so tests can verify the span
// context is the one the operation runs under.
type stampingTracer struct{}

func (stampingTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return context.WithValue(ctx, spanContextKey{}, operation), nopSpan{}
}

type nopSpan struct{}

func (nopSpan) End(error) {}

// ctxRecordingStore captures the span stamp carried by the context of each
// store call.
type ctxRecordingStore struct {
	PersistentStore
	seen []string
}

func (s *ctxRecordingStore) record(ctx context.Context) {
	if op, ok := ctx.Value(spanContextKey{}).(string); ok {
		s.seen = append(s.seen, op)
	}
}

func (s *ctxRecordingStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) error {
	s.record(ctx)
	return s.PersistentStore.RunInTransaction(ctx, fn)
}

func (s *ctxRecordingStore) View(ctx context.Context, fn func(TransactionView) error) error {
	s.record(ctx)
	return s.PersistentStore.View(ctx, fn)
}

func TestServiceTracerContextReachesStore(t *testing.T) {
	store := &ctxRecordingStore{PersistentStore: memory.NewStore()}
	svc := NewService(store, WithTracer(stampingTracer{}))
	ctx := context.Background()

	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "f"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "x"}); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if _, err := svc.RenderForest(ctx, "tester", forest.ID); err != nil {
		t.Fatalf("render: %v", err)
	}

	want := []string{"create_forest", "add_root", "render_forest"}
	if len(store.seen) != len(want) {
		t.Fatalf("store saw span contexts %v, want %v", store.seen, want)
	}
	for i, op := range want {
		if store.seen[i] != op {
			t.Fatalf("store saw span contexts %v, want %v", store.seen, want)
		}
	}
}
