package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLockManager(t *testing.T) (*LockManager, *LockEngine) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := NewRedisKVStore(client)
	engine := NewLockEngine(kv, "filelock", time.Minute, nil, nil)
	manager := NewLockManager(kv, "filelock", nil, nil)
	return manager, engine
}

func TestLockManager_ListLocks(t *testing.T) {
	manager, engine := newTestLockManager(t)
	ctx := context.Background()

	if _, err := engine.Acquire(ctx, AcquireRequest{
		Repo: "acme/widget", Branch: "main", Owner: "agent-a", UserName: "Agent A",
		Files: []string{"a.ts", "b.ts"}, Kind: LockWriting, Message: "editing",
	}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	locks, err := manager.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d", len(locks))
	}
}

func TestLockManager_ForceRelease(t *testing.T) {
	manager, engine := newTestLockManager(t)
	ctx := context.Background()

	if _, err := engine.Acquire(ctx, AcquireRequest{
		Repo: "acme/widget", Branch: "main", Owner: "agent-a",
		Files: []string{"a.ts"}, Kind: LockWriting, Message: "editing",
	}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := manager.ForceRelease(ctx, "acme/widget", "main", "a.ts"); err != nil {
		t.Fatalf("force release failed: %v", err)
	}

	if _, err := manager.GetLockInfo(ctx, "acme/widget", "main", "a.ts"); err != ErrLockNotFound {
		t.Fatalf("expected ErrLockNotFound after force release, got %v", err)
	}
}

func TestLockManager_ForceReleaseMissingLock(t *testing.T) {
	manager, _ := newTestLockManager(t)

	err := manager.ForceRelease(context.Background(), "acme/widget", "main", "missing.ts")
	if err != ErrLockNotFound {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}
}

func TestLockManager_CleanupOrphanedLocksRespectsMinAge(t *testing.T) {
	manager, engine := newTestLockManager(t)
	ctx := context.Background()

	if _, err := engine.Acquire(ctx, AcquireRequest{
		Repo: "acme/widget", Branch: "main", Owner: "agent-a",
		Files: []string{"a.ts"}, Kind: LockWriting, Message: "editing",
	}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	removed, err := manager.CleanupOrphanedLocks(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected a fresh lock to survive a 1h min age, removed %d", removed)
	}

	removed, err = manager.CleanupOrphanedLocks(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected the lock to be removed with a zero min age, removed %d", removed)
	}
}
