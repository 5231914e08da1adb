package coordinator

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEdgeIndex(t *testing.T) *EdgeIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewEdgeIndex(client)
}

func TestEdgeIndex_RebuildAndImportedBy(t *testing.T) {
	idx := newTestEdgeIndex(t)
	ctx := context.Background()

	forward := map[string][]string{
		"a.go": {"c.go"},
		"b.go": {"c.go"},
		"c.go": {"d.go"},
	}

	if err := idx.Rebuild(ctx, "r", "main", forward); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	importers, err := idx.ImportedBy(ctx, "r", "main", "c.go")
	if err != nil {
		t.Fatalf("imported by failed: %v", err)
	}
	sort.Strings(importers)
	if len(importers) != 2 || importers[0] != "a.go" || importers[1] != "b.go" {
		t.Errorf("expected [a.go b.go], got %v", importers)
	}

	importers, err = idx.ImportedBy(ctx, "r", "main", "d.go")
	if err != nil {
		t.Fatalf("imported by failed: %v", err)
	}
	if len(importers) != 1 || importers[0] != "c.go" {
		t.Errorf("expected [c.go], got %v", importers)
	}

	none, err := idx.ImportedBy(ctx, "r", "main", "nowhere.go")
	if err != nil {
		t.Fatalf("imported by failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no importers, got %v", none)
	}
}

func TestEdgeIndex_ImportedByAny(t *testing.T) {
	idx := newTestEdgeIndex(t)
	ctx := context.Background()

	forward := map[string][]string{
		"a.go": {"shared.go"},
		"b.go": {"other.go"},
	}
	if err := idx.Rebuild(ctx, "r", "main", forward); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	union, err := idx.ImportedByAny(ctx, "r", "main", []string{"shared.go", "other.go"})
	if err != nil {
		t.Fatalf("imported by any failed: %v", err)
	}
	sort.Strings(union)
	if len(union) != 2 || union[0] != "a.go" || union[1] != "b.go" {
		t.Errorf("expected [a.go b.go], got %v", union)
	}
}

func TestEdgeIndex_RebuildReplacesPreviousState(t *testing.T) {
	idx := newTestEdgeIndex(t)
	ctx := context.Background()

	if err := idx.Rebuild(ctx, "r", "main", map[string][]string{"a.go": {"c.go"}}); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}
	if err := idx.Rebuild(ctx, "r", "main", map[string][]string{"b.go": {"d.go"}}); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}

	importers, err := idx.ImportedBy(ctx, "r", "main", "c.go")
	if err != nil {
		t.Fatalf("imported by failed: %v", err)
	}
	if len(importers) != 0 {
		t.Errorf("expected c.go's importers to be cleared by rebuild, got %v", importers)
	}

	importers, err = idx.ImportedBy(ctx, "r", "main", "d.go")
	if err != nil {
		t.Fatalf("imported by failed: %v", err)
	}
	if len(importers) != 1 || importers[0] != "b.go" {
		t.Errorf("expected [b.go], got %v", importers)
	}
}
