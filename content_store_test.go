package coordinator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestContentCache(t *testing.T, backend Backend, threshold int) *ContentCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewContentCache(client, backend, threshold)
}

func TestContentCache_SmallBlobStaysInRedis(t *testing.T) {
	cache := newTestContentCache(t, nil, 1024)
	ctx := context.Background()

	if err := cache.Put(ctx, "r", "main", "hash1", []byte("small content")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, hit, err := cache.Get(ctx, "r", "main", "hash1")
	if err != nil || !hit {
		t.Fatalf("expected cache hit, got hit=%v err=%v", hit, err)
	}
	if string(data) != "small content" {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestContentCache_MissReturnsFalse(t *testing.T) {
	cache := newTestContentCache(t, nil, 1024)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, "r", "main", "missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if hit {
		t.Error("expected cache miss")
	}
}

func TestContentCache_OverflowsToBackend(t *testing.T) {
	backend := NewFilesystemBackend(t.TempDir())
	cache := newTestContentCache(t, backend, 8)
	ctx := context.Background()

	big := []byte("this content exceeds the tiny threshold")
	if err := cache.Put(ctx, "r", "main", "bighash", big); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, hit, err := cache.Get(ctx, "r", "main", "bighash")
	if err != nil || !hit {
		t.Fatalf("expected cache hit from backend, got hit=%v err=%v", hit, err)
	}
	if string(data) != string(big) {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestContentCache_GetOrFetchPopulatesCache(t *testing.T) {
	cache := newTestContentCache(t, nil, 1024)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("fetched"), nil
	}

	data, err := cache.GetOrFetch(ctx, "r", "main", "hash1", fetch)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if string(data) != "fetched" {
		t.Errorf("unexpected content: %s", data)
	}

	data, err = cache.GetOrFetch(ctx, "r", "main", "hash1", fetch)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if string(data) != "fetched" || calls != 1 {
		t.Errorf("expected fetch to run once, ran %d times", calls)
	}
}
