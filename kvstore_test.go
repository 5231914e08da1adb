package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestKVStore(t *testing.T) (*RedisKVStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisKVStore(client), mr
}

func TestRedisKVStore_GetSetMiss(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	_, found, err := kv.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if found {
		t.Error("expected miss for unset key")
	}

	if err := kv.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, found, err := kv.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if val != "v" {
		t.Errorf("unexpected value: %s", val)
	}
}

func TestRedisKVStore_Del(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	kv.Set(ctx, "a", "1", time.Minute)
	kv.Set(ctx, "b", "2", time.Minute)

	n, err := kv.Del(ctx, "a", "b", "nonexistent")
	if err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 keys deleted, got %d", n)
	}
}

func TestRedisKVStore_HashOps(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	if err := kv.HSet(ctx, "h", "f1", "v1"); err != nil {
		t.Fatalf("hset failed: %v", err)
	}
	if err := kv.HSet(ctx, "h", "f2", "v2"); err != nil {
		t.Fatalf("hset failed: %v", err)
	}

	val, found, err := kv.HGet(ctx, "h", "f1")
	if err != nil || !found || val != "v1" {
		t.Fatalf("unexpected hget result: val=%s found=%v err=%v", val, found, err)
	}

	all, err := kv.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall failed: %v", err)
	}
	if len(all) != 2 || all["f1"] != "v1" || all["f2"] != "v2" {
		t.Errorf("unexpected hgetall result: %v", all)
	}

	if err := kv.HDel(ctx, "h", "f1"); err != nil {
		t.Fatalf("hdel failed: %v", err)
	}
	_, found, err = kv.HGet(ctx, "h", "f1")
	if err != nil {
		t.Fatalf("hget after hdel failed: %v", err)
	}
	if found {
		t.Error("expected field to be gone after hdel")
	}
}

func TestRedisKVStore_ScanPrefix(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	kv.Set(ctx, "ns:one", "1", time.Minute)
	kv.Set(ctx, "ns:two", "2", time.Minute)
	kv.Set(ctx, "other:three", "3", time.Minute)

	keys, err := kv.ScanPrefix(ctx, "ns:*", 10)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 matching keys, got %d: %v", len(keys), keys)
	}
}

func TestRedisKVStore_EvalAtomicCheck(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	script := `
		redis.call("SET", KEYS[1], ARGV[1])
		return redis.call("GET", KEYS[1])
	`
	result, err := kv.Eval(ctx, script, []string{"eval-key"}, "eval-value")
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if result != "eval-value" {
		t.Errorf("unexpected eval result: %v", result)
	}
}

func TestRedisKVStore_Pipeline(t *testing.T) {
	kv, _ := newTestKVStore(t)
	ctx := context.Background()

	pipe := kv.Pipeline()
	pipe.Set("p1", "v1", time.Minute)
	pipe.HSet("ph", "f", "v")
	if err := pipe.Exec(ctx); err != nil {
		t.Fatalf("pipeline exec failed: %v", err)
	}

	val, found, err := kv.Get(ctx, "p1")
	if err != nil || !found || val != "v1" {
		t.Fatalf("expected pipelined set to land, got val=%s found=%v err=%v", val, found, err)
	}

	hval, found, err := kv.HGet(ctx, "ph", "f")
	if err != nil || !found || hval != "v" {
		t.Fatalf("expected pipelined hset to land, got val=%s found=%v err=%v", hval, found, err)
	}
}

func TestRedisKVStore_Ping(t *testing.T) {
	kv, _ := newTestKVStore(t)
	if err := kv.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
