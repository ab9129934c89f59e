package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"canopy/pkg/domain"
)

// ExportSink is the subset of the blob store the export path needs.
type ExportSink interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// ForestSnapshot is the exported document: the full nested rendering of a
// forest plus enough metadata to identify it later.
type ForestSnapshot struct {
	ForestID   string     `json:"forest_id"`
	ForestName string     `json:"forest_name"`
	ExportedAt time.Time  `json:"exported_at"`
	Trees      []TreeView `json:"trees"`
}

// ExportForest renders the forest and writes the snapshot document to the
// configured export sink, returning the stored key. Requires view
// permission; fails when no sink is configured.
func (s *Service) ExportForest(ctx context.Context, actor, forestID string) (string, error) {
	if s.exports == nil {
		return "", fmt.Errorf("no export sink configured")
	}
	if !s.auth.CanView(ctx, actor, forestID) {
		return "", domain.ErrForbidden
	}

	var snapshot ForestSnapshot
	var exportedKey string
	err := s.run(ctx, "export_forest", func(ctx context.Context) error {
		if err := s.store.View(ctx, func(view TransactionView) error {
			forest, ok := view.FindForest(forestID)
			if !ok {
				return domain.ErrForestNotFound{ID: forestID}
			}
			var nodes []TreeNode
			for _, root := range view.RootsOf(forestID) {
				nodes = append(nodes, view.SubtreeOf(forestID, root.Path)...)
			}
			snapshot = ForestSnapshot{
				ForestID:   forest.ID,
				ForestName: forest.Name,
				ExportedAt: time.Now().UTC(),
				Trees:      BuildTreeView(nodes),
			}
			return nil
		}); err != nil {
			return err
		}

		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		key := fmt.Sprintf("forests/%s/%s.json", forestID, snapshot.ExportedAt.Format("20060102T150405Z"))
		stored, err := s.exports.Put(ctx, key, bytes.NewReader(data), "application/json")
		if err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		exportedKey = stored
		return nil
	})
	return exportedKey, err
}
