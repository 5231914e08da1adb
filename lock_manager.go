package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LockInfo describes one active advisory file lock.
type LockInfo struct {
	Repo       string
	Branch     string
	FilePath   string
	LockKey    string // the raw Redis hash key holding this (repo, branch)'s locks
	ID         string
	Owner      string
	UserName   string
	Kind       LockKind
	AgentHead  string
	Message    string
	TTL        time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockManager provides administrative scan/cleanup operations over the
// LockEngine's Redis key space. It does not itself enforce ownership rules —
// that belongs to LockEngine — it exists for operator tooling
// (cmd/coordinator's locks subcommands) to inspect and forcibly clear locks.
// The Sweeper does not use it; it calls LockEngine.Sweep.
type LockManager struct {
	kv        KVStore
	keyPrefix string
	logger    Logger
	metrics   Metrics
}

// NewLockManager creates a lock manager for administrative operations over
// keyPrefix's namespace (LockEngine uses "filelock" by default).
func NewLockManager(kv KVStore, keyPrefix string, logger Logger, metrics Metrics) *LockManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &LockManager{
		kv:        kv,
		keyPrefix: keyPrefix,
		logger:    logger,
		metrics:   metrics,
	}
}

// parseLockSetKey splits a "{prefix}:locks:{repo}:{branch}" key. repo may
// itself contain a "/" (owner/repo) but never a colon, so a plain two-way
// split on the remaining colons is unambiguous.
func (lm *LockManager) parseLockSetKey(lockSetKey string) (repo, branch string) {
	rest := strings.TrimPrefix(lockSetKey, fmt.Sprintf("%s:locks:", lm.keyPrefix))
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) < 2 {
		return rest, ""
	}
	return parts[0], parts[1]
}

// ListLocks returns every active lock under this manager's key prefix,
// scanning every (repo, branch) hash and decoding each field, skipping any
// entry whose encoded expiry has already elapsed.
func (lm *LockManager) ListLocks(ctx context.Context) ([]LockInfo, error) {
	if lm.kv == nil {
		return nil, fmt.Errorf("kvstore not available")
	}

	pattern := fmt.Sprintf("%s:locks:*", lm.keyPrefix)
	keys, err := lm.kv.ScanPrefix(ctx, pattern, 100)
	if err != nil {
		return nil, fmt.Errorf("failed to scan lock keys: %w", err)
	}

	now := time.Now()
	var locks []LockInfo
	for _, lockSetKey := range keys {
		repo, branch := lm.parseLockSetKey(lockSetKey)

		fields, err := lm.kv.HGetAll(ctx, lockSetKey)
		if err != nil {
			lm.logger.Warn("failed to read lock set", "key", lockSetKey, "error", err)
			continue
		}

		for filePath, value := range fields {
			id, owner, kind, acquiredAt, expiresAt, userName, agentHead, message, ok := decodeLockValue(value)
			if !ok {
				lm.logger.Warn("skipping lock with unparsable value", "key", lockSetKey, "file", filePath)
				continue
			}
			if !expiresAt.After(now) {
				continue
			}

			locks = append(locks, LockInfo{
				Repo:       repo,
				Branch:     branch,
				FilePath:   filePath,
				LockKey:    lockSetKey,
				ID:         id,
				Owner:      owner,
				UserName:   userName,
				Kind:       kind,
				AgentHead:  agentHead,
				Message:    message,
				TTL:        expiresAt.Sub(now),
				AcquiredAt: acquiredAt,
				ExpiresAt:  expiresAt,
			})
		}
	}

	lm.metrics.Gauge(MetricLockActive, float64(len(locks)))

	return locks, nil
}

// CleanupOrphanedLocks removes locks whose age exceeds minAge even though
// their TTL hasn't yet elapsed. It backs cmd/coordinator's "locks cleanup"
// command: an agent that stops re-issuing post_status (crash, network
// partition) leaves a lock that would otherwise survive until its TTL
// naturally expires.
func (lm *LockManager) CleanupOrphanedLocks(ctx context.Context, minAge time.Duration) (int, error) {
	if lm.kv == nil {
		return 0, fmt.Errorf("kvstore not available")
	}

	locks, err := lm.ListLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list locks: %w", err)
	}

	removed := 0
	now := time.Now()

	for _, lock := range locks {
		if lock.AcquiredAt.IsZero() {
			continue
		}

		age := now.Sub(lock.AcquiredAt)
		if age < minAge {
			continue
		}

		if err := lm.kv.HDel(ctx, lock.LockKey, lock.FilePath); err != nil {
			lm.logger.Warn("failed to delete orphaned lock",
				"repo", lock.Repo, "branch", lock.Branch, "file", lock.FilePath,
				"age", age, "error", err,
			)
			continue
		}

		removed++
		lm.logger.Info("removed orphaned lock",
			"repo", lock.Repo, "branch", lock.Branch, "file", lock.FilePath,
			"owner", lock.Owner, "age", age,
		)
		lm.metrics.Increment(MetricLockOrphaned, "repo", lock.Repo)
	}

	if removed > 0 {
		lm.logger.Info("orphaned lock cleanup completed", "removed", removed, "min_age", minAge)
		lm.metrics.Increment(MetricLockCleanup, "removed", fmt.Sprintf("%d", removed))
	}

	return removed, nil
}

// ForceRelease forcefully releases one lock regardless of who holds it.
// Operators use this to unstick a lock left behind by a crashed agent
// without waiting for the sweeper's minAge threshold.
func (lm *LockManager) ForceRelease(ctx context.Context, repo, branch, filePath string) error {
	if lm.kv == nil {
		return fmt.Errorf("kvstore not available")
	}

	key := lockSetKey(lm.keyPrefix, repo, branch)

	_, found, err := lm.kv.HGet(ctx, key, filePath)
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if !found {
		return ErrLockNotFound
	}

	if err := lm.kv.HDel(ctx, key, filePath); err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	lm.logger.Info("forcefully released lock", "repo", repo, "branch", branch, "file", filePath)
	lm.metrics.Increment(MetricLockForceRelease, "repo", repo)

	return nil
}

// GetLockInfo retrieves information about one specific lock.
func (lm *LockManager) GetLockInfo(ctx context.Context, repo, branch, filePath string) (*LockInfo, error) {
	if lm.kv == nil {
		return nil, fmt.Errorf("kvstore not available")
	}

	key := lockSetKey(lm.keyPrefix, repo, branch)

	value, found, err := lm.kv.HGet(ctx, key, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock value: %w", err)
	}
	if !found {
		return nil, ErrLockNotFound
	}

	id, owner, kind, acquiredAt, expiresAt, userName, agentHead, message, ok := decodeLockValue(value)
	if !ok {
		return nil, ErrInvalidData
	}
	if !expiresAt.After(time.Now()) {
		return nil, ErrLockNotFound
	}

	return &LockInfo{
		Repo:       repo,
		Branch:     branch,
		FilePath:   filePath,
		LockKey:    key,
		ID:         id,
		Owner:      owner,
		UserName:   userName,
		Kind:       kind,
		AgentHead:  agentHead,
		Message:    message,
		TTL:        time.Until(expiresAt),
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	}, nil
}

// Example usage:
//
//	lockManager := coordinator.NewLockManager(coordinator.NewRedisKVStore(redisClient), "filelock", logger, metrics)
//
//	locks, err := lockManager.ListLocks(ctx)
//	for _, lock := range locks {
//	    fmt.Printf("%s/%s owns %s (age %s)\n", lock.Repo, lock.Branch, lock.FilePath, time.Since(lock.AcquiredAt))
//	}
//
//	removed, err := lockManager.CleanupOrphanedLocks(ctx, 5*time.Minute)
//
//	err = lockManager.ForceRelease(ctx, "agentmesh/widget", "main", "src/server.go")
