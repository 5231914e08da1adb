package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based distributed locking for coordinating
// operations across multiple service replicas.
//
// Use cases:
// - Collapsing concurrent dependency-graph rebuilds for the same (repo, branch)
//   onto a single writer across replicas (the in-process singleflight in
//   graph_builder.go only dedups within one process)
// - Stale-lock sweeper runs, so two replicas don't sweep concurrently
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	ownsClient bool // If true, Close() will close the Redis client
}

// NewDistributedLock creates a new distributed lock manager using Redis
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		ownsClient: false,
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that owns the Redis client
func NewDistributedLockWithOwnedClient(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		ownsClient: true,
	}
}

// Lock acquires a distributed lock for the given key.
// Returns a release function that MUST be called to release the lock.
//
// Example:
//
//	release, err := lock.Lock(ctx, "users/123", 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer release()
//
//	// Critical section - only one process can execute this at a time
//	user := getUser()
//	user.Balance += 100
//	saveUser(user)
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	// Try to acquire lock with SET NX (only set if not exists)
	success, err := l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !success {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	// Return a release function
	release := func() {
		// Use a background context for cleanup (don't fail if parent context canceled)
		cleanupCtx := context.Background()

		// Only delete if we still own the lock (check value matches)
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		_, _ = l.redis.Eval(cleanupCtx, script, []string{lockKey}, lockValue).Result() //nolint:errcheck // Cleanup operation, safe to ignore
	}

	return release, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff retry.
// Useful for handling temporary contention.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}

		lastErr = err

		// Check if context canceled
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Wait with exponential backoff
		if i < config.MaxRetries-1 {
			backoff := config.InitialBackoff * time.Duration(int64(1)<<uint(i))
			jitter := time.Duration(float64(backoff) * config.JitterPercent)
			time.Sleep(backoff + jitter)
		}
	}

	return nil, fmt.Errorf("failed to acquire lock after %d retries: %w", config.MaxRetries, lastErr)
}

// WithAtomicUpdate executes fn with distributed lock protection, collapsing
// concurrent callers across replicas onto a single critical section.
//
// graph_builder.go uses this to guard the rebuild-and-persist step of a graph
// rebuild: the in-process singleflight group already collapses concurrent
// callers within one replica, but it does nothing for two replicas racing to
// rebuild the same (repo, branch) graph after a cache miss. The lock key is
// derived from (repo, branch), so only one replica runs the rebuild at a
// time. A replica that still cannot take the lock after its retries serves
// its previously cached graph if it has one; a replica that does take the
// lock runs its own rebuild without rechecking the cache.
//
// Metrics: Tracks lock contention, wait time, and timeouts via metrics.
func WithAtomicUpdate(ctx context.Context, lock *DistributedLock, metrics Metrics, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if lock == nil {
		return fmt.Errorf("distributed lock is required for atomic updates")
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if ttl == 0 {
		ttl = 10 * time.Second // Sensible default
	}

	// Track lock acquisition time and contention
	lockStart := time.Now()

	// Acquire distributed lock with retry
	release, err := lock.TryLockWithRetry(ctx, key, ttl, 3)

	lockWaitTime := time.Since(lockStart)
	metrics.Timing(MetricLockWaitTime, lockWaitTime, "key", key)

	if err != nil {
		metrics.Increment(MetricLockFailed, "key", key)
		metrics.Increment(MetricLockTimeout, "key", key)
		return fmt.Errorf("failed to acquire lock for atomic update on %s: %w", key, err)
	}

	metrics.Increment(MetricLockAcquired, "key", key)

	// Track contention if lock took significant time
	if lockWaitTime > 5*time.Millisecond {
		metrics.Increment(MetricLockContention, "key", key)
		metrics.Histogram(MetricLockContention, lockWaitTime.Seconds(), "key", key)
	}

	defer release()

	// Execute the function within the lock
	executionStart := time.Now()
	fnErr := fn(ctx)
	metrics.Timing(MetricLockDuration, time.Since(executionStart), "key", key)

	return fnErr
}

// Close releases resources held by the distributed lock
func (dl *DistributedLock) Close() error {
	if dl.ownsClient && dl.redis != nil {
		return dl.redis.Close()
	}
	return nil
}
