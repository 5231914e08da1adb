package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// GraphBuilder maintains the cached DependencyGraph for each (repo, branch),
// incrementally, through the two-layer diff described in spec §4.4: a cheap
// repo-level HEAD comparison first, a full file-level SHA comparison only
// once HEAD has actually moved. It is the component other examples in the
// retrieval pack call a "refresher" (see other_examples' graph-refresher
// shape): fetch what changed, merge it into the cached structure, persist.
type GraphBuilder struct {
	kv        KVStore
	remote    RemoteRepository
	content   *ContentCache
	edges     *EdgeIndex
	buildLock *DistributedLock
	logger    Logger
	metrics   Metrics

	sf singleflight.Group

	headCheckMinInterval time.Duration
	rateLimitCooldown    time.Duration
}

// NewGraphBuilder wires the collaborators a build needs, persisting every
// rebuild through kv (C1) per spec §2's "persists atomically via C1".
// buildLock may be nil (single-replica deployments don't need the
// cross-process guard, relying on the in-process singleflight group alone
// for Invariant 6).
func NewGraphBuilder(kv KVStore, remote RemoteRepository, content *ContentCache, edges *EdgeIndex, buildLock *DistributedLock, logger Logger, metrics Metrics) *GraphBuilder {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &GraphBuilder{
		kv:                   kv,
		remote:               remote,
		content:              content,
		edges:                edges,
		buildLock:            buildLock,
		logger:               logger,
		metrics:              metrics,
		headCheckMinInterval: DefaultHeadCheckMinInterval,
		rateLimitCooldown:    DefaultRateLimitCooldown,
	}
}

func graphBlobKey(repo, branch string) string      { return fmt.Sprintf("graph:%s:%s", repo, branch) }
func graphMetaKey(repo, branch string) string      { return fmt.Sprintf("graph:meta:%s:%s", repo, branch) }
func graphShaMapKey(repo, branch string) string    { return fmt.Sprintf("graph:file_shas:%s:%s", repo, branch) }
func graphHeadCheckedKey(repo, branch string) string {
	return fmt.Sprintf("graph:head_checked_at:%s:%s", repo, branch)
}
func graphRateLimitedKey(repo, branch string) string {
	return fmt.Sprintf("graph:rate_limited_until:%s:%s", repo, branch)
}

// Get returns the current DependencyGraph for (repo, branch), rebuilding it
// incrementally if the remote HEAD has advanced since the cached version
// (or unconditionally if forceRegenerate is set). repo must already be in
// CanonicalizeRepo'd "owner/repo" form.
func (b *GraphBuilder) Get(ctx context.Context, repo, branch string, forceRegenerate bool) (*DependencyGraph, error) {
	owner, repoName, ok := SplitOwnerRepo(repo)
	if !ok {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"repo": repo, "reason": "expected owner/repo"})
	}

	sfKey := repo + "@" + branch
	result, err, shared := b.sf.Do(sfKey, func() (interface{}, error) {
		return b.build(ctx, owner, repoName, repo, branch, forceRegenerate)
	})
	if shared {
		b.metrics.Increment(MetricGraphSingleflightWait, "repo", repo)
	}
	if err != nil {
		return nil, err
	}
	return result.(*DependencyGraph), nil
}

func (b *GraphBuilder) build(ctx context.Context, owner, repoName, repo, branch string, forceRegenerate bool) (*DependencyGraph, error) {
	start := time.Now()
	defer func() { b.metrics.Timing(MetricGraphBuildDuration, time.Since(start), "repo", repo) }()

	if rateLimitedUntil, err := b.getRateLimitedUntil(ctx, repo, branch); err == nil && !forceRegenerate && time.Now().Before(rateLimitedUntil) {
		if cached, cerr := b.loadCachedGraph(ctx, repo, branch); cerr == nil && cached != nil {
			b.logger.Info("serving cached graph during rate-limit cooldown", "repo", repo, "branch", branch)
			return cached, nil
		}
		return nil, &QuotaError{RetryAfter: rateLimitedUntil, Err: ErrRemoteRateLimited}
	}

	cached, err := b.loadCachedGraph(ctx, repo, branch)
	if err != nil {
		b.logger.Warn("cached graph blob unreadable, forcing full rebuild", "repo", repo, "branch", branch, "error", err)
		cached = nil
		forceRegenerate = true
	}

	// Layer 1: the headCheckedAt guard elides even the HEAD call when the
	// last check happened recently, trusting the cached graph for that
	// window (spec §4.4).
	if !forceRegenerate && cached != nil {
		if checkedAt, ok := b.getHeadCheckedAt(ctx, repo, branch); ok && time.Since(checkedAt) < b.headCheckMinInterval {
			return cached, nil
		}
	}

	remoteHead, err := b.remote.GetHeadCached(ctx, owner, repoName, branch, DefaultHeadCacheTTL)
	if err != nil {
		var quota *QuotaError
		if errors.As(err, &quota) {
			b.setRateLimitedUntil(ctx, repo, branch, quota.RetryAfter)
			b.metrics.Increment(MetricGraphRateLimited, "repo", repo)
			if cached != nil {
				return cached, nil
			}
			return nil, quota
		}
		b.metrics.Increment(MetricGraphBuildError, "repo", repo)
		return nil, fmt.Errorf("failed to resolve remote head: %w", err)
	}
	b.setHeadCheckedAt(ctx, repo, branch, time.Now())
	b.metrics.Increment(MetricGraphHeadCheck, "repo", repo)

	if !forceRegenerate && cached != nil && cached.HeadSHA == remoteHead {
		return cached, nil
	}

	// Cross-process guard (supplement #3): collapse concurrent rebuilds for
	// the same (repo, branch) across replicas onto one writer. The
	// in-process singleflight group above already dedups callers within
	// this replica; WithAtomicUpdate extends that guarantee across
	// replicas racing the same cache miss. Only the rebuild-and-persist
	// critical section is guarded, not the HEAD check above it.
	var graph *DependencyGraph
	rebuildFn := func(rctx context.Context) error {
		var rerr error
		graph, rerr = b.rebuild(rctx, owner, repoName, repo, branch, remoteHead, cached)
		return rerr
	}

	var err2 error
	if b.buildLock != nil {
		err2 = WithAtomicUpdate(ctx, b.buildLock, b.metrics, "graph-build:"+repo+"@"+branch, 30*time.Second, rebuildFn)
		if err2 != nil && errors.Is(err2, ErrLockHeld) && cached != nil {
			b.logger.Info("serving cached graph while another replica rebuilds", "repo", repo, "branch", branch)
			return cached, nil
		}
	} else {
		err2 = rebuildFn(ctx)
	}

	if err2 != nil {
		var quota *QuotaError
		if errors.As(err2, &quota) {
			b.setRateLimitedUntil(ctx, repo, branch, quota.RetryAfter)
			b.metrics.Increment(MetricGraphRateLimited, "repo", repo)
			if cached != nil {
				return cached, nil
			}
		}
		b.metrics.Increment(MetricGraphBuildError, "repo", repo)
		return nil, err2
	}

	b.metrics.Increment(MetricGraphBuildSuccess, "repo", repo)
	return graph, nil
}

// rebuild performs layer 2 of the two-layer diff: fetch the tree at
// remoteHead, partition files into unchanged/new/changed/deleted against the
// stored FileShaMap, reparse only what must be reparsed, and persist the
// result in one pipelined batch.
func (b *GraphBuilder) rebuild(ctx context.Context, owner, repoName, repo, branch, remoteHead string, prev *DependencyGraph) (*DependencyGraph, error) {
	entries, err := b.remote.GetTreeRecursive(ctx, owner, repoName, remoteHead)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote tree: %w", err)
	}

	newShaMap := make(map[string]string, len(entries))
	sizeByPath := make(map[string]int64, len(entries))
	for _, e := range entries {
		newShaMap[e.Path] = e.SHA
		sizeByPath[e.Path] = e.Size
	}

	oldShaMap, err := b.loadFileShaMap(ctx, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to load file sha map: %w", err)
	}

	var newFiles, changedFiles, unchangedFiles, deletedFiles []string
	for p, sha := range newShaMap {
		oldSha, existed := oldShaMap[p]
		switch {
		case !existed:
			newFiles = append(newFiles, p)
		case oldSha != sha:
			changedFiles = append(changedFiles, p)
		default:
			unchangedFiles = append(unchangedFiles, p)
		}
	}
	for p := range oldShaMap {
		if _, ok := newShaMap[p]; !ok {
			deletedFiles = append(deletedFiles, p)
		}
	}

	// New-file correctness (spec §4.4): a new file can make a previously
	// unresolved import in an existing file resolvable, so any new file
	// forces a full rebuild rather than a pure incremental pass.
	fullRebuild := prev == nil || len(newFiles) > 0

	graph := NewDependencyGraph(repo, branch, remoteHead)
	if !fullRebuild {
		// Start from the previous graph's structure; only changed/deleted
		// files are touched below.
		for p, node := range prev.Files {
			graph.Files[p] = node
		}
		for from, tos := range prev.ForwardEdges {
			graph.ForwardEdges[from] = append([]string(nil), tos...)
		}
	}

	for _, p := range deletedFiles {
		graph.RemoveFile(p)
	}

	var toReparse []string
	if fullRebuild {
		toReparse = make([]string, 0, len(newShaMap))
		for p := range newShaMap {
			toReparse = append(toReparse, p)
		}
	} else {
		toReparse = append(append([]string(nil), newFiles...), changedFiles...)
	}

	contents := make(map[string][]byte, len(toReparse))
	for _, p := range toReparse {
		sha := newShaMap[p]
		data, ferr := b.content.GetOrFetch(ctx, repo, branch, sha, func(fctx context.Context) ([]byte, error) {
			return b.remote.GetFileContent(fctx, owner, repoName, p, sha)
		})
		if ferr != nil {
			if IsInvalidData(ferr) {
				b.logger.Warn("skipping unparseable file content", "repo", repo, "path", p, "error", ferr)
				continue
			}
			var quota *QuotaError
			if errors.As(ferr, &quota) {
				return nil, ferr
			}
			b.logger.Warn("failed to fetch file content, skipping", "repo", repo, "path", p, "error", ferr)
			continue
		}
		contents[p] = data
		graph.AddFileWithSize(p, sha, sizeByPath[p])
		graph.ClearEdges(p)
	}

	// Resolution must see the full current file set so a newly-added file
	// can satisfy an import from any reparsed file, not just other new ones.
	knownFiles := make(map[string]struct{}, len(newShaMap))
	for p := range newShaMap {
		knownFiles[p] = struct{}{}
	}

	// The path-resolution cache is scoped to this one rebuild (spec §5) and
	// shared by all parse workers; entries are keyed by (importing file,
	// specifier), so each such pair is resolved once per rebuild.
	resolveCache := NewPathResolutionCache(DefaultParseWorkers, DefaultPathResolutionCacheSizePerShard)
	for _, outcome := range parseImportsParallel(contents, knownFiles, resolveCache, DefaultParseWorkers) {
		for _, target := range outcome.edges {
			graph.AddEdge(outcome.filePath, target)
		}
	}

	if b.edges != nil {
		if err := b.edges.Rebuild(ctx, repo, branch, graph.ForwardEdges); err != nil {
			b.logger.Warn("failed to rebuild reverse edge index", "repo", repo, "branch", branch, "error", err)
		}
	}

	if err := b.persist(ctx, repo, branch, graph, oldShaMap, newShaMap); err != nil {
		return nil, fmt.Errorf("failed to persist graph: %w", err)
	}

	b.metrics.Gauge(MetricGraphFilesChanged, float64(len(changedFiles)+len(newFiles)+len(deletedFiles)), "repo", repo)
	b.metrics.Gauge(MetricGraphEdgesTotal, float64(countEdges(graph)), "repo", repo)

	return graph, nil
}

// fileEdges is one parse worker's output: the resolved import targets found
// in a single file, ready to merge into the graph.
type fileEdges struct {
	filePath string
	edges    []string
}

// parseImportsParallel extracts and resolves imports for every file in
// contents across a bounded worker pool, sharing resolveCache across
// workers. Grounded on the jobs-channel/results-channel/WaitGroup worker
// pool the retrieval pack's graph-refresher example uses for its
// ParallelParsing mode: a single writer (GraphBuilder.rebuild) merges the
// per-file results into the graph afterward, so DependencyGraph itself never
// needs to be safe for concurrent writers.
func parseImportsParallel(contents map[string][]byte, knownFiles map[string]struct{}, cache *PathResolutionCache, workers int) []fileEdges {
	if workers <= 0 {
		workers = DefaultParseWorkers
	}
	if workers > len(contents) {
		workers = len(contents)
	}
	if workers <= 0 {
		return nil
	}

	jobs := make(chan string, len(contents))
	results := make(chan fileEdges, len(contents))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filePath := range jobs {
				specs := ExtractImportSpecs(filePath, contents[filePath])
				var edges []string
				for _, spec := range specs {
					resolved, ok := ResolveImportCached(cache, filePath, spec, knownFiles)
					if !ok || resolved == filePath {
						continue
					}
					edges = appendUnique(edges, resolved)
				}
				results <- fileEdges{filePath: filePath, edges: edges}
			}
		}()
	}

	for filePath := range contents {
		jobs <- filePath
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]fileEdges, 0, len(contents))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func countEdges(g *DependencyGraph) int {
	n := 0
	for _, tos := range g.ForwardEdges {
		n += len(tos)
	}
	return n
}

// persist writes the new graph blob, version, and FileShaMap delta in a
// single pipelined batch (spec §4.4 "Persistence"): one round trip, but not a
// MULTI/EXEC transaction, so a reader can still interleave between the
// writes, and a failed Exec can leave some of them applied.
func (b *GraphBuilder) persist(ctx context.Context, repo, branch string, graph *DependencyGraph, oldShaMap, newShaMap map[string]string) error {
	envelope := GraphEnvelope{Version: graphEnvelopeVersion, Graph: graph}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal graph envelope: %w", err)
	}

	pipe := b.kv.Pipeline()
	pipe.Set(graphBlobKey(repo, branch), string(blob), 0)
	pipe.Set(graphMetaKey(repo, branch), graph.HeadSHA, 0)

	for p, sha := range newShaMap {
		if oldShaMap[p] != sha {
			pipe.HSet(graphShaMapKey(repo, branch), p, sha)
		}
	}
	for p := range oldShaMap {
		if _, ok := newShaMap[p]; !ok {
			pipe.HDel(graphShaMapKey(repo, branch), p)
		}
	}

	return pipe.Exec(ctx)
}

func (b *GraphBuilder) loadCachedGraph(ctx context.Context, repo, branch string) (*DependencyGraph, error) {
	raw, found, err := b.kv.Get(ctx, graphBlobKey(repo, branch))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached graph: %w", err)
	}
	if !found {
		return nil, nil
	}

	migrated, err := MigrateGraphEnvelope([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to migrate cached graph: %w", err)
	}

	var envelope GraphEnvelope
	if err := json.Unmarshal(migrated, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached graph: %w", err)
	}
	return envelope.Graph, nil
}

func (b *GraphBuilder) loadFileShaMap(ctx context.Context, repo, branch string) (map[string]string, error) {
	return b.kv.HGetAll(ctx, graphShaMapKey(repo, branch))
}

func (b *GraphBuilder) getHeadCheckedAt(ctx context.Context, repo, branch string) (time.Time, bool) {
	val, found, err := b.kv.Get(ctx, graphHeadCheckedKey(repo, branch))
	if err != nil || !found {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (b *GraphBuilder) setHeadCheckedAt(ctx context.Context, repo, branch string, at time.Time) {
	_ = b.kv.Set(ctx, graphHeadCheckedKey(repo, branch), strconv.FormatInt(at.UnixMilli(), 10), 0)
}

func (b *GraphBuilder) getRateLimitedUntil(ctx context.Context, repo, branch string) (time.Time, error) {
	val, found, err := b.kv.Get(ctx, graphRateLimitedKey(repo, branch))
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, fmt.Errorf("no rate limit recorded")
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (b *GraphBuilder) setRateLimitedUntil(ctx context.Context, repo, branch string, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = b.rateLimitCooldown
		until = time.Now().Add(ttl)
	}
	_ = b.kv.Set(ctx, graphRateLimitedKey(repo, branch), strconv.FormatInt(until.UnixMilli(), 10), ttl)
}
