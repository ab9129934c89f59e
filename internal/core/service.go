package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canopy/pkg/domain"
)

// Service wraps the tree mutator with authorization, transaction boundaries
// and observability. It is the entry point HTTP handlers call.
type Service struct {
	store   PersistentStore
	auth    AuthorizationPort
	mutator Mutator
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	exports ExportSink

	busyRetries int
	busyBackoff time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithAuthorization sets the authorization port consulted before every
// operation.
func WithAuthorization(port AuthorizationPort) Option {
	return func(s *Service) {
		if port != nil {
			s.auth = port
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics sink for operation outcomes.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer wrapping each operation.
func WithTracer(t Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithExportSink sets the blob sink used by ExportForest.
func WithExportSink(sink ExportSink) Option {
	return func(s *Service) { s.exports = sink }
}

// WithBusyRetry overrides the bounded retry policy for transient store
// contention.
func WithBusyRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts >= 0 {
			s.busyRetries = attempts
		}
		if backoff >= 0 {
			s.busyBackoff = backoff
		}
	}
}

// NewService constructs a tree service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:       store,
		auth:        AllowAll{},
		logger:      noopLogger{},
		busyRetries: 2,
		busyBackoff: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying persistence implementation.
func (s *Service) Store() PersistentStore { return s.store }

// CreateForest registers a new forest namespace.
func (s *Service) CreateForest(ctx context.Context, actor string, forest Forest) (Forest, error) {
	var created Forest
	err := s.run(ctx, "create_forest", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreateForest(forest)
			return err
		})
	})
	return created, err
}

// ListForests returns every registered forest the actor may view.
func (s *Service) ListForests(ctx context.Context, actor string) ([]Forest, error) {
	var forests []Forest
	err := s.run(ctx, "list_forests", func(ctx context.Context) error {
		return s.store.View(ctx, func(view TransactionView) error {
			for _, f := range view.ListForests() {
				if s.auth.CanView(ctx, actor, f.ID) {
					forests = append(forests, f)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if forests == nil {
		forests = []Forest{}
	}
	return forests, nil
}

// AddRoot inserts a new root node after the forest's existing roots.
func (s *Service) AddRoot(ctx context.Context, actor, forestID string, payload NodePayload) (TreeNode, error) {
	if !s.auth.CanModify(ctx, actor, forestID) {
		return TreeNode{}, domain.ErrForbidden
	}
	var node TreeNode
	err := s.run(ctx, "add_root", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			node, err = s.mutator.AddRoot(tx, forestID, payload)
			return err
		})
	})
	return node, err
}

// AddChild inserts a new node as the last child of parentID.
func (s *Service) AddChild(ctx context.Context, actor, forestID, parentID string, payload NodePayload) (TreeNode, error) {
	if !s.auth.CanModify(ctx, actor, forestID) {
		return TreeNode{}, domain.ErrForbidden
	}
	var node TreeNode
	err := s.run(ctx, "add_child", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			node, err = s.mutator.AddChild(tx, forestID, parentID, payload)
			return err
		})
	})
	return node, err
}

// MoveSubtree reparents a node (and its subtree) as the last child of
// newParentID, or to the root level when newParentID is nil. The returned
// summary describes the destination parent so the UI can refresh counts.
func (s *Service) MoveSubtree(ctx context.Context, actor, forestID, nodeID string, newParentID *string) (TreeNode, ParentSummary, error) {
	if !s.auth.CanModify(ctx, actor, forestID) {
		return TreeNode{}, ParentSummary{}, domain.ErrForbidden
	}
	var moved TreeNode
	var summary ParentSummary
	err := s.run(ctx, "move_subtree", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			moved, err = s.mutator.MoveSubtree(tx, forestID, nodeID, newParentID, PositionLastChild)
			if err != nil {
				return err
			}
			summary = summarizeParent(tx.Snapshot(), moved)
			return nil
		})
	})
	return moved, summary, err
}

// DeleteSubtree removes a node and all of its descendants.
func (s *Service) DeleteSubtree(ctx context.Context, actor, forestID, nodeID string) (int, error) {
	if !s.auth.CanModify(ctx, actor, forestID) {
		return 0, domain.ErrForbidden
	}
	var removed int
	err := s.run(ctx, "delete_subtree", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			removed, err = s.mutator.DeleteSubtree(tx, forestID, nodeID)
			return err
		})
	})
	return removed, err
}

// Rename applies payload-only field updates to a node.
func (s *Service) Rename(ctx context.Context, actor, forestID, nodeID string, apply func(*NodePayload)) (TreeNode, error) {
	if !s.auth.CanModify(ctx, actor, forestID) {
		return TreeNode{}, domain.ErrForbidden
	}
	var node TreeNode
	err := s.run(ctx, "rename", func(ctx context.Context) error {
		return s.mutate(ctx, func(tx Transaction) error {
			var err error
			node, err = s.mutator.Rename(tx, forestID, nodeID, apply)
			return err
		})
	})
	return node, err
}

// EditResult is the response of HandleEdit: the serialized affected subtree
// plus, after a move, the destination parent summary.
type EditResult struct {
	Cancelled bool          `json:"cancelled,omitempty"`
	Node      *TreeView     `json:"node,omitempty"`
	Parent    ParentSummary `json:"parent"`
}

// HandleEdit interprets a raw tree-UI edit request, dispatches the resulting
// intent and serializes the outcome.
func (s *Service) HandleEdit(ctx context.Context, actor, forestID string, req EditRequest) (EditResult, error) {
	intent := InterpretEditRequest(req)
	if intent.Kind == EditCancel {
		return EditResult{Cancelled: true}, nil
	}

	var node TreeNode
	var summary ParentSummary
	var err error
	switch intent.Kind {
	case EditAddRoot:
		node, err = s.AddRoot(ctx, actor, forestID, intent.Payload)
	case EditAddChild:
		node, err = s.AddChild(ctx, actor, forestID, *intent.ParentID, intent.Payload)
	case EditMove:
		node, summary, err = s.MoveSubtree(ctx, actor, forestID, intent.NodeID, intent.ParentID)
	case EditRename:
		node, err = s.Rename(ctx, actor, forestID, intent.NodeID, func(p *NodePayload) {
			p.Name = intent.Payload.Name
			p.Description = intent.Payload.Description
		})
	default:
		return EditResult{}, fmt.Errorf("unhandled edit intent %d", intent.Kind)
	}
	if err != nil {
		return EditResult{}, err
	}

	result := EditResult{Parent: summary}
	viewErr := s.store.View(ctx, func(view TransactionView) error {
		subtree := view.SubtreeOf(forestID, node.Path)
		if nested := BuildTreeView(subtree); len(nested) > 0 {
			result.Node = &nested[0]
		}
		if intent.Kind != EditMove {
			result.Parent = summarizeParent(view, node)
		}
		return nil
	})
	if viewErr != nil {
		return EditResult{}, viewErr
	}
	return result, nil
}

// RenderForest serializes every tree of the forest for the client, in path
// order.
func (s *Service) RenderForest(ctx context.Context, actor, forestID string) ([]TreeView, error) {
	if !s.auth.CanView(ctx, actor, forestID) {
		return nil, domain.ErrForbidden
	}
	var views []TreeView
	err := s.run(ctx, "render_forest", func(ctx context.Context) error {
		return s.store.View(ctx, func(view TransactionView) error {
			if _, ok := view.FindForest(forestID); !ok {
				return domain.ErrForestNotFound{ID: forestID}
			}
			var nodes []TreeNode
			for _, root := range view.RootsOf(forestID) {
				nodes = append(nodes, view.SubtreeOf(forestID, root.Path)...)
			}
			views = BuildTreeView(nodes)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []TreeView{}
	}
	return views, nil
}

// RenderSubtree serializes the subtree rooted at nodeID.
func (s *Service) RenderSubtree(ctx context.Context, actor, forestID, nodeID string) (TreeView, error) {
	if !s.auth.CanView(ctx, actor, forestID) {
		return TreeView{}, domain.ErrForbidden
	}
	var out TreeView
	err := s.run(ctx, "render_subtree", func(ctx context.Context) error {
		return s.store.View(ctx, func(view TransactionView) error {
			node, ok := view.FindNode(forestID, nodeID)
			if !ok {
				return domain.ErrNodeNotFound{ForestID: forestID, ID: nodeID}
			}
			nested := BuildTreeView(view.SubtreeOf(forestID, node.Path))
			out = nested[0]
			return nil
		})
	})
	return out, err
}

// mutate runs fn in a transaction, retrying once on a duplicate-path
// invariant violation (fresh reads recompute the segment) and a bounded
// number of times on transient store contention.
func (s *Service) mutate(ctx context.Context, fn func(Transaction) error) error {
	run := func() error {
		return s.store.RunInTransaction(ctx, fn)
	}
	err := run()
	var dup domain.ErrDuplicatePath
	if errors.As(err, &dup) {
		s.logger.Warn("duplicate path escaped transaction, retrying once", "forest", dup.ForestID, "path", string(dup.Path))
		err = run()
	}
	for attempt := 0; errors.Is(err, domain.ErrBusy) && attempt < s.busyRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.busyBackoff):
		}
		err = run()
	}
	return err
}

// run wraps an operation with tracing, metrics and logging. The operation
// receives the tracer-derived context so span propagation survives into the
// store calls.
func (s *Service) run(ctx context.Context, operation string, fn func(context.Context) error) error {
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	started := time.Now()
	err := fn(ctx)
	if span != nil {
		span.End(err)
	}
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, time.Since(started))
	}
	if err != nil {
		s.logger.Debug("tree operation failed", "operation", operation, "error", err)
	}
	return err
}
