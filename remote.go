package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.gitea.io/sdk/gitea"
)

// supportedExtensions are the only file types the dependency graph builder
// will ever fetch tree entries or content for (spec §4.3).
var supportedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
}

// TreeEntry is one blob reachable from a commit, restricted to
// supportedExtensions by RemoteRepository.GetTreeRecursive.
type TreeEntry struct {
	Path string
	SHA  string
	Size int64
}

// QuotaError distinguishes a forge quota/rate-limit response from any other
// remote failure, so callers (GraphBuilder, check_status) can choose a
// 429-equivalent response or a degraded cached-graph fallback instead of a
// generic 500.
type QuotaError struct {
	RetryAfter time.Time
	Err        error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("remote quota exceeded, retry after %s: %v", e.RetryAfter.Format(time.RFC3339), e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// RemoteRepository resolves branch HEAD, the file tree, and file content for
// a git forge repository. Implementations must canonicalize repo/owner
// themselves or rely on CanonicalizeRepo having already been applied by the
// caller — every exported method here assumes owner/repo are already
// canonical.
type RemoteRepository interface {
	GetHead(ctx context.Context, owner, repo, branch string) (string, error)
	GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error)
	GetTreeRecursive(ctx context.Context, owner, repo, sha string) ([]TreeEntry, error)
	GetFileContent(ctx context.Context, owner, repo, path, sha string) ([]byte, error)
}

// CanonicalizeRepo normalizes owner/repo URL variants ("https://github.com/Owner/Repo",
// "github.com/Owner/Repo.git", "Owner/Repo") into lower-cased "owner/repo",
// so every downstream cache key is keyed by the same canonical form (spec §4.3).
func CanonicalizeRepo(input string) string {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if idx := strings.Index(s, "/"); idx >= 0 {
		if !strings.Contains(s[:idx], ".") {
			// no host component, e.g. "Owner/Repo"
		} else {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(s, ".git")
	s = strings.Trim(s, "/")
	return strings.ToLower(s)
}

// SplitOwnerRepo splits a canonical "owner/repo" string into its parts.
func SplitOwnerRepo(canonical string) (owner, repo string, ok bool) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// headCacheEntry is one (repo, branch) HEAD observation.
type headCacheEntry struct {
	sha       string
	fetchedAt time.Time
}

// HeadCache is a short-lived, in-process cache of the last observed branch
// HEAD per (repo, branch), so a burst of check_status/get_graph calls
// doesn't re-hit the forge API for every request (spec §3 HeadCache, §4.4
// headCheckedAt guard).
type HeadCache struct {
	mu      sync.Mutex
	entries map[string]headCacheEntry
}

// NewHeadCache creates an empty HeadCache.
func NewHeadCache() *HeadCache {
	return &HeadCache{entries: make(map[string]headCacheEntry)}
}

func (c *HeadCache) key(repo, branch string) string {
	return repo + "@" + branch
}

// Get returns the cached SHA if it was fetched within maxAge, else ok=false.
func (c *HeadCache) Get(repo, branch string, maxAge time.Duration) (sha string, ok bool) {
	if maxAge <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[c.key(repo, branch)]
	if !found || time.Since(entry.fetchedAt) > maxAge {
		return "", false
	}
	return entry.sha, true
}

// Set records a freshly fetched HEAD.
func (c *HeadCache) Set(repo, branch, sha string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(repo, branch)] = headCacheEntry{sha: sha, fetchedAt: time.Now()}
}

// GiteaRemoteRepository implements RemoteRepository against a Gitea (or
// Gitea-compatible, e.g. Forgejo) instance, following the
// gitea.NewClient/gitea.SetToken client-construction shape forge.go uses for
// archive retrieval, generalized here from "download a tarball" to the three
// fine-grained operations the dependency graph builder needs: branch HEAD,
// recursive tree listing, and single-blob content.
type GiteaRemoteRepository struct {
	client  *gitea.Client
	cache   *HeadCache
	logger  Logger
	metrics Metrics
	breaker *CircuitBreaker
}

// NewGiteaRemoteRepository creates a RemoteRepository backed by a Gitea
// instance at baseURL, authenticated with token (read-only PAT scope is
// sufficient).
func NewGiteaRemoteRepository(baseURL, token string, logger Logger, metrics Metrics) (*GiteaRemoteRepository, error) {
	client, err := gitea.NewClient(baseURL, gitea.SetToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to create gitea client: %w", err)
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &GiteaRemoteRepository{
		client:  client,
		cache:   NewHeadCache(),
		logger:  logger,
		metrics: metrics,
		breaker: NewCircuitBreaker(DefaultCircuitBreakerMaxFailures, DefaultCircuitBreakerResetTimeout),
	}, nil
}

// GetHead resolves the current tip commit SHA of branch, bypassing any cache.
func (g *GiteaRemoteRepository) GetHead(ctx context.Context, owner, repo, branch string) (string, error) {
	start := time.Now()
	var sha string
	err := g.breaker.Execute(ctx, func() error {
		b, resp, err := g.client.GetRepoBranch(owner, repo, branch)
		if err != nil {
			return translateGiteaError(resp, err)
		}
		if b.Commit == nil {
			return fmt.Errorf("branch %s/%s@%s has no commit", owner, repo, branch)
		}
		sha = b.Commit.ID
		return nil
	})
	g.metrics.Timing(MetricRemoteLatency, time.Since(start), "op", "get_head")
	if err != nil {
		g.metrics.Increment(MetricRemoteErrors, "op", "get_head")
		return "", err
	}
	g.metrics.Increment(MetricRemoteRequests, "op", "get_head")
	g.cache.Set(owner+"/"+repo, branch, sha)
	return sha, nil
}

// GetHeadCached returns the cached HEAD if it is no older than maxAge,
// otherwise refreshes it via GetHead (spec §4.3).
func (g *GiteaRemoteRepository) GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error) {
	if sha, ok := g.cache.Get(owner+"/"+repo, branch, maxAge); ok {
		g.metrics.Increment(MetricGraphCacheHits, "op", "head")
		return sha, nil
	}
	g.metrics.Increment(MetricGraphCacheMisses, "op", "head")
	return g.GetHead(ctx, owner, repo, branch)
}

// GetTreeRecursive lists every blob reachable from sha, filtered to
// supportedExtensions (spec §4.3 ".ts .tsx .js .jsx .py").
func (g *GiteaRemoteRepository) GetTreeRecursive(ctx context.Context, owner, repo, sha string) ([]TreeEntry, error) {
	start := time.Now()
	var entries []TreeEntry
	err := g.breaker.Execute(ctx, func() error {
		tree, resp, err := g.client.GetTrees(owner, repo, sha, true)
		if err != nil {
			return translateGiteaError(resp, err)
		}
		entries = make([]TreeEntry, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Type != "blob" {
				continue
			}
			if !supportedExtensions[extensionOf(e.Path)] {
				continue
			}
			entries = append(entries, TreeEntry{Path: e.Path, SHA: e.SHA, Size: e.Size})
		}
		return nil
	})
	g.metrics.Timing(MetricRemoteLatency, time.Since(start), "op", "get_tree")
	if err != nil {
		g.metrics.Increment(MetricRemoteErrors, "op", "get_tree")
		return nil, err
	}
	g.metrics.Increment(MetricRemoteRequests, "op", "get_tree")
	return entries, nil
}

// maxFileContentBytes bounds how large a blob GetFileContent will decode and
// return; GetFileContent rejects oversized or binary blobs with
// ErrInvalidData, and the caller logs and skips them rather than failing the
// build, per spec §4.3 ("the core logs and skips").
const maxFileContentBytes = 2 * 1024 * 1024

// GetFileContent fetches and base64-decodes the blob at sha. Binary content
// (a NUL byte in the decoded bytes) or content above maxFileContentBytes
// returns ErrInvalidData so the caller can log-and-skip rather than treat it
// as a parseable source file.
func (g *GiteaRemoteRepository) GetFileContent(ctx context.Context, owner, repo, path, sha string) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := g.breaker.Execute(ctx, func() error {
		blob, resp, err := g.client.GetBlob(owner, repo, sha)
		if err != nil {
			return translateGiteaError(resp, err)
		}
		if blob.Size > maxFileContentBytes {
			return WithContext(ErrInvalidData, map[string]interface{}{"path": path, "sha": sha, "reason": "file too large", "size": blob.Size})
		}
		decoded, err := base64.StdEncoding.DecodeString(blob.Content)
		if err != nil {
			return fmt.Errorf("failed to decode blob %s: %w", sha, err)
		}
		for _, b := range decoded {
			if b == 0 {
				return WithContext(ErrInvalidData, map[string]interface{}{"path": path, "sha": sha, "reason": "binary content"})
			}
		}
		data = decoded
		return nil
	})
	g.metrics.Timing(MetricRemoteLatency, time.Since(start), "op", "get_content")
	if err != nil {
		if !IsInvalidData(err) {
			g.metrics.Increment(MetricRemoteErrors, "op", "get_content")
		}
		return nil, err
	}
	g.metrics.Increment(MetricRemoteRequests, "op", "get_content")
	return data, nil
}

// IsInvalidData reports whether err is the "skip, don't fail" class of
// content error (oversized or binary blob).
func IsInvalidData(err error) bool {
	return err != nil && (err == ErrInvalidData || isWrapped(err, ErrInvalidData))
}

func isWrapped(err, target error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// translateGiteaError classifies a Gitea SDK error as a QuotaError when the
// response carries a 429 or rate-limit-exhausted signal, so GraphBuilder's
// rate-limited fallback (spec §4.4) can distinguish it from any other
// transient remote failure.
func translateGiteaError(resp *gitea.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return err
	}
	if resp.StatusCode != 429 {
		return err
	}
	retryAfter := time.Now().Add(DefaultRateLimitCooldown)
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.Atoi(ra); perr == nil {
			retryAfter = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return &QuotaError{RetryAfter: retryAfter, Err: err}
}
