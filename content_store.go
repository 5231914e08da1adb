package coordinator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ContentCache caches file blobs fetched from a RemoteRepository, keyed by
// content hash so the same blob shared by multiple files (or multiple
// commits) is only ever fetched once. Small blobs live in a Redis hash;
// anything at or above overflowThreshold spills to Backend instead, keeping
// the Redis hash's memory footprint bounded regardless of how large a
// repository's vendored bundles or lockfiles get.
type ContentCache struct {
	redis             *redis.Client
	backend           Backend
	overflowThreshold int
	metrics           Metrics
}

// NewContentCache creates a ContentCache. backend may be nil, in which case
// oversized blobs simply aren't cached (GraphBuilder re-fetches them from the
// remote every time) rather than erroring — acceptable degraded behavior for
// small deployments that don't need an overflow tier.
func NewContentCache(redisClient *redis.Client, backend Backend, overflowThreshold int) *ContentCache {
	if overflowThreshold <= 0 {
		overflowThreshold = DefaultContentOverflowThreshold
	}
	return &ContentCache{
		redis:             redisClient,
		backend:           backend,
		overflowThreshold: overflowThreshold,
		metrics:           &NoOpMetrics{},
	}
}

// WithMetrics attaches a Metrics sink, returning the same cache for chaining.
func (c *ContentCache) WithMetrics(metrics Metrics) *ContentCache {
	if metrics != nil {
		c.metrics = metrics
	}
	return c
}

func (c *ContentCache) overflowKey(contentHash string) string {
	return fmt.Sprintf("content-overflow/%s", contentHash)
}

// contentHashKey scopes the small-blob cache to one (repo, branch) per spec
// §6, rather than a single global hash shared by every repository this
// service coordinates.
func contentHashKey(repo, branch string) string {
	return fmt.Sprintf("graph:file_contents:%s:%s", repo, branch)
}

// Get returns the cached blob for contentHash, or (nil, false, nil) on a
// cache miss.
func (c *ContentCache) Get(ctx context.Context, repo, branch, contentHash string) ([]byte, bool, error) {
	data, err := c.redis.HGet(ctx, contentHashKey(repo, branch), contentHash).Bytes()
	if err == nil {
		c.metrics.Increment(MetricContentCacheHits, "repo", repo)
		return data, true, nil
	}
	if err != redis.Nil {
		return nil, false, fmt.Errorf("content cache hash lookup failed: %w", err)
	}

	if c.backend == nil {
		c.metrics.Increment(MetricContentCacheMisses, "repo", repo)
		return nil, false, nil
	}

	data, err = c.backend.Get(ctx, c.overflowKey(contentHash))
	if err != nil {
		if IsNotFound(err) {
			c.metrics.Increment(MetricContentCacheMisses, "repo", repo)
			return nil, false, nil
		}
		return nil, false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"content_hash": contentHash, "error": err.Error(),
		})
	}

	c.metrics.Increment(MetricContentCacheHits, "repo", repo)
	return data, true, nil
}

// Put caches a blob, spilling to Backend when it's at or above the overflow
// threshold.
func (c *ContentCache) Put(ctx context.Context, repo, branch, contentHash string, data []byte) error {
	if len(data) < c.overflowThreshold {
		if err := c.redis.HSet(ctx, contentHashKey(repo, branch), contentHash, data).Err(); err != nil {
			return fmt.Errorf("content cache hash write failed: %w", err)
		}
		return nil
	}

	c.metrics.Increment(MetricContentOverflow, "repo", repo)

	if c.backend == nil {
		// No overflow tier configured: drop rather than bloat the Redis hash.
		return nil
	}

	if err := c.backend.Put(ctx, c.overflowKey(contentHash), data); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"content_hash": contentHash, "size": len(data), "error": err.Error(),
		})
	}
	return nil
}

// GetOrFetch returns the cached blob for contentHash, calling fetch and
// populating the cache on a miss. GraphBuilder uses this so a content hash
// already cached for the same (repo, branch) by a previous build never
// triggers a second remote blob fetch.
func (c *ContentCache) GetOrFetch(ctx context.Context, repo, branch, contentHash string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, hit, err := c.Get(ctx, repo, branch, contentHash); err != nil {
		return nil, err
	} else if hit {
		return data, nil
	}

	data, err := fetch(ctx)
	if err != nil {
		c.metrics.Increment(MetricContentFetchErrors, "repo", repo)
		return nil, err
	}

	if err := c.Put(ctx, repo, branch, contentHash, data); err != nil {
		// Serve the freshly fetched content even if caching it failed; a
		// degraded cache shouldn't fail the caller's request.
		return data, nil
	}

	return data, nil
}
