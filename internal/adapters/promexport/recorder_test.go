package promexport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()
	rec.Observe(ctx, "add_root", true, 5*time.Millisecond)
	rec.Observe(ctx, "add_root", true, 7*time.Millisecond)
	rec.Observe(ctx, "move_subtree", false, time.Millisecond)

	expected := `
# HELP canopy_tree_operations_total Tree service operations by name and outcome.
# TYPE canopy_tree_operations_total counter
canopy_tree_operations_total{operation="add_root",success="true"} 2
canopy_tree_operations_total{operation="move_subtree",success="false"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "canopy_tree_operations_total"); err != nil {
		t.Fatalf("unexpected counter state: %v", err)
	}

	if n := testutil.CollectAndCount(rec.durations, "canopy_tree_operation_duration_seconds"); n != 2 {
		t.Fatalf("duration series = %d, want 2", n)
	}
}

func TestRecorderRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
