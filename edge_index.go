package coordinator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EdgeIndex maintains the reverse side of a repository's import graph in
// Redis Sets: for file F, the set at reverseKey(F) holds every file that
// imports F. check_status needs this direction — "who imports the file the
// caller is about to touch" — and a plain forward adjacency map would make
// that an O(files) scan instead of an O(1) set lookup.
//
// One Redis Set per (repo, branch, file) mirrors RedisIndexer's multi-value
// index pattern (SADD/SMEMBERS/SUNION), specialized to a single fixed
// relation instead of a registry of pluggable extract functions, since a
// dependency graph only ever needs the one index.
type EdgeIndex struct {
	redis      *redis.Client
	ownsClient bool
}

// NewEdgeIndex creates an EdgeIndex over an existing Redis client.
func NewEdgeIndex(redisClient *redis.Client) *EdgeIndex {
	return &EdgeIndex{redis: redisClient}
}

// NewEdgeIndexWithOwnedClient creates an EdgeIndex that closes its Redis
// client on Close().
func NewEdgeIndexWithOwnedClient(redisClient *redis.Client) *EdgeIndex {
	return &EdgeIndex{redis: redisClient, ownsClient: true}
}

func (idx *EdgeIndex) reverseKey(repo, branch, file string) string {
	return fmt.Sprintf("edgeidx:%s:%s:%s", repo, branch, file)
}

func (idx *EdgeIndex) scanPattern(repo, branch string) string {
	return fmt.Sprintf("edgeidx:%s:%s:*", repo, branch)
}

// Rebuild replaces the entire reverse edge index for (repo, branch) with the
// one derived from forwardEdges (file -> files it imports). GraphBuilder
// calls this once per successful rebuild, after the new DependencyGraph has
// been computed and before it's persisted. The clear and the rewrite are
// separate round trips, not one atomic step, so a concurrent check_status
// can observe an empty or partially written index in between.
func (idx *EdgeIndex) Rebuild(ctx context.Context, repo, branch string, forwardEdges map[string][]string) error {
	if idx.redis == nil {
		return fmt.Errorf("redis not available")
	}

	if err := idx.Clear(ctx, repo, branch); err != nil {
		return fmt.Errorf("failed to clear previous edge index: %w", err)
	}

	pipe := idx.redis.Pipeline()
	for from, tos := range forwardEdges {
		for _, to := range tos {
			pipe.SAdd(ctx, idx.reverseKey(repo, branch, to), from)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write edge index: %w", err)
	}

	return nil
}

// Clear removes every reverse-edge set for (repo, branch). Used by Rebuild.
func (idx *EdgeIndex) Clear(ctx context.Context, repo, branch string) error {
	if idx.redis == nil {
		return fmt.Errorf("redis not available")
	}

	var cursor uint64
	for {
		keys, next, err := idx.redis.Scan(ctx, cursor, idx.scanPattern(repo, branch), 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan edge index keys: %w", err)
		}
		if len(keys) > 0 {
			if err := idx.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete edge index keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

// ImportedBy returns every file that imports file, directly, in (repo, branch).
func (idx *EdgeIndex) ImportedBy(ctx context.Context, repo, branch, file string) ([]string, error) {
	if idx.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	members, err := idx.redis.SMembers(ctx, idx.reverseKey(repo, branch, file)).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query edge index: %w", err)
	}
	return members, nil
}

// ImportedByAny returns the union of importers across multiple files in one
// round trip, for check_status requests that name several files at once.
func (idx *EdgeIndex) ImportedByAny(ctx context.Context, repo, branch string, files []string) ([]string, error) {
	if idx.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}
	if len(files) == 0 {
		return []string{}, nil
	}

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = idx.reverseKey(repo, branch, f)
	}

	members, err := idx.redis.SUnion(ctx, keys...).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query edge index union: %w", err)
	}
	return members, nil
}

// Close releases resources held by the index.
func (idx *EdgeIndex) Close() error {
	if idx.ownsClient && idx.redis != nil {
		return idx.redis.Close()
	}
	return nil
}
