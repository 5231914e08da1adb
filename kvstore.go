package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore is the thin interface over a Redis-compatible store that every
// other component is built on (spec §4.1): string get/set, hash
// set/get/get-all/del, key enumeration by prefix, pipelined multi-op
// execution, and server-side scripted evaluation that observes a set of
// keys and arguments atomically. LockEngine's acquire/release protocols
// presume a scripted evaluation executes with no interleaving — that
// guarantee is this interface's contract, not a property the caller
// re-derives. GraphBuilder's persistence pipeline only batches its writes
// into one round trip; a pipeline carries no such atomicity guarantee.
//
// Failure modes: a transport error (connection refused, timeout) is
// returned as-is, since retrying an idempotent read or a script that
// never partially applied is the caller's call to make; a script
// compile/runtime error is wrapped so it surfaces as an internal error
// rather than a silent no-op. The adapter never silently succeeds — every
// method returns an error rather than swallowing one.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// ScanPrefix enumerates every key matching pattern, looping the cursor
	// internally so callers never have to manage SCAN state themselves.
	ScanPrefix(ctx context.Context, pattern string, count int64) ([]string, error)

	// Eval runs a Lua script against keys/args as a single atomic
	// operation. Used by C2's acquire/release transactions.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Pipeline batches writes that must reach the store together, without
	// the atomicity a scripted Eval gives (spec §4.4's persistence step
	// doesn't need check-then-act, only "all these writes land before any
	// reader observes a partial update" in the common case).
	Pipeline() KVPipeline

	Ping(ctx context.Context) error
}

// KVPipeline batches a set of writes for one round trip. Queued operations
// take effect only once Exec succeeds; a failed Exec leaves the store in
// whatever state the server applied up to the failure (go-redis pipelines
// are not transactional unless built on MULTI/EXEC, which this interface
// does not expose since none of the current callers need rollback on
// partial failure, only batching).
type KVPipeline interface {
	Set(key, value string, ttl time.Duration)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Exec(ctx context.Context) error
}

// RedisKVStore implements KVStore over go-redis, the same driver the
// teacher's redis_config.go / distributed_lock.go / edge_index.go use.
type RedisKVStore struct {
	redis *redis.Client
}

// NewRedisKVStore wraps an existing Redis client. The caller retains
// ownership of the client's lifecycle (Close).
func NewRedisKVStore(redisClient *redis.Client) *RedisKVStore {
	return &RedisKVStore{redis: redisClient}
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *RedisKVStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore del: %w", err)
	}
	return n, nil
}

func (s *RedisKVStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore ttl %q: %w", key, err)
	}
	return ttl, nil
}

func (s *RedisKVStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore hget %q/%q: %w", key, field, err)
	}
	return val, true, nil
}

func (s *RedisKVStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.redis.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("kvstore hset %q/%q: %w", key, field, err)
	}
	return nil
}

func (s *RedisKVStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore hgetall %q: %w", key, err)
	}
	return m, nil
}

func (s *RedisKVStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.redis.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("kvstore hdel %q: %w", key, err)
	}
	return nil
}

func (s *RedisKVStore) ScanPrefix(ctx context.Context, pattern string, count int64) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, fmt.Errorf("kvstore scan %q: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisKVStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	result, err := s.redis.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore eval: %w", err)
	}
	return result, nil
}

func (s *RedisKVStore) Pipeline() KVPipeline {
	return &redisKVPipeline{pipe: s.redis.Pipeline()}
}

func (s *RedisKVStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore ping: %w", err)
	}
	return nil
}

type redisKVPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisKVPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisKVPipeline) HSet(key, field, value string) {
	p.pipe.HSet(context.Background(), key, field, value)
}

func (p *redisKVPipeline) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	p.pipe.HDel(context.Background(), key, fields...)
}

func (p *redisKVPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return fmt.Errorf("kvstore pipeline exec: %w", err)
	}
	return nil
}
