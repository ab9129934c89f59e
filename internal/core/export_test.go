package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"testing"

	"canopy/internal/infra/persistence/memory"
	"canopy/pkg/domain"
)

type captureSink struct {
	key         string
	contentType string
	data        []byte
	err         error
}

func (c *captureSink) Put(_ context.Context, key string, r io.Reader, contentType string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	c.key = key
	c.contentType = contentType
	c.data = data
	return key, nil
}

func TestExportForestWritesSnapshot(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(memory.NewStore(), WithExportSink(sink))
	ctx := context.Background()
	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "product-areas"})
	if err != nil {
		t.Fatalf("create forest: %v", err)
	}
	root, _ := svc.AddRoot(ctx, "tester", forest.ID, NodePayload{Name: "alpha"})
	if _, err := svc.AddChild(ctx, "tester", forest.ID, root.ID, NodePayload{Name: "alpha-1"}); err != nil {
		t.Fatalf("add child: %v", err)
	}

	key, err := svc.ExportForest(ctx, "tester", forest.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if key != sink.key {
		t.Fatalf("returned key %q, stored key %q", key, sink.key)
	}
	keyPattern := regexp.MustCompile(`^forests/` + regexp.QuoteMeta(forest.ID) + `/\d{8}T\d{6}Z\.json$`)
	if !keyPattern.MatchString(key) {
		t.Fatalf("key %q does not match the snapshot layout", key)
	}
	if sink.contentType != "application/json" {
		t.Fatalf("content type = %q", sink.contentType)
	}

	var snapshot ForestSnapshot
	if err := json.Unmarshal(sink.data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ForestID != forest.ID || snapshot.ForestName != "product-areas" {
		t.Fatalf("snapshot header = %+v", snapshot)
	}
	if len(snapshot.Trees) != 1 || snapshot.Trees[0].Name != "alpha" {
		t.Fatalf("snapshot trees = %+v", snapshot.Trees)
	}
	if len(snapshot.Trees[0].Children) != 1 || snapshot.Trees[0].Children[0].Name != "alpha-1" {
		t.Fatalf("snapshot children = %+v", snapshot.Trees[0].Children)
	}
}

func TestExportForestErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore())
	if _, err := svc.ExportForest(ctx, "tester", "f"); err == nil {
		t.Fatal("expected error without a configured sink")
	}

	sink := &captureSink{}
	svc = NewService(memory.NewStore(), WithExportSink(sink))
	if _, err := svc.ExportForest(ctx, "tester", "missing"); !domain.IsNotFound(err) {
		t.Fatalf("unknown forest: %v", err)
	}

	forest, err := svc.CreateForest(ctx, "tester", Forest{Name: "f"})
	if err != nil {
		t.Fatalf("create forest: %v", err)
	}
	sink.err = errors.New("bucket unavailable")
	if _, err := svc.ExportForest(ctx, "tester", forest.ID); err == nil {
		t.Fatal("expected sink failure to propagate")
	}
}
