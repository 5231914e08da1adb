// Package coordinator provides advisory coordination for multiple AI coding
// agents operating against a shared Git repository: file-level locking,
// staleness detection against the remote branch HEAD, and a dependency-graph
// view of the repository so agents can see which in-flight locks are likely
// to conflict with the files they are about to touch.
//
// # Overview
//
// Agents working the same repository concurrently routinely collide: two
// agents editing the same file, or one agent editing a file that imports
// another file someone else is mid-rewrite on. This package turns Redis (for
// lock state and the reverse import index) and a Git forge API (for branch
// HEAD and tree contents) into a small coordination service with:
//
//   - Advisory, owner-scoped file locks with TTL-based passive expiry
//   - Atomic multi-file lock acquisition (all-or-nothing via Lua scripting)
//   - Staleness detection: has the remote branch moved since an agent last
//     synced?
//   - A lazily rebuilt dependency graph with two-layer diffing (HEAD check,
//     then content hash) so graph rebuilds are skipped whenever nothing
//     changed
//   - An orchestration decision function combining lock state and staleness
//     into a single next-action command (PROCEED/PULL/PUSH/SWITCH_TASK/
//     STOP/WAIT)
//   - A background sweeper that releases locks whose TTL has elapsed
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// Basic usage against a local Redis (RedisOptions reads REDIS_ADDR and
// defaults to localhost:6379):
//
//	redisClient := redis.NewClient(coordinator.RedisOptions())
//	kv := coordinator.NewRedisKVStore(redisClient)
//	engine := coordinator.NewLockEngine(kv, "filelock", coordinator.DefaultLockTTL, nil, nil)
//	ctx := context.Background()
//
//	// Acquire an advisory lock on a set of files
//	entries, err := engine.Acquire(ctx, coordinator.AcquireRequest{
//	    Repo:     "agentmesh/widget",
//	    Branch:   "main",
//	    Owner:    "agent-7",
//	    Files:    []string{"src/server.go", "src/router.go"},
//	    Kind:     coordinator.LockWriting,
//	    Message:  "refactoring the router",
//	})
//
// Production setup with a Git forge client, content cache, and observability:
//
//	logger, _ := coordinator.NewProductionZapLogger()
//	metrics := coordinator.NewPrometheusMetrics(prometheus.NewRegistry())
//	remote, err := coordinator.NewGiteaRemoteRepository(forgeURL, forgeToken, logger, metrics)
//
//	edges := coordinator.NewEdgeIndex(redisClient)
//	buildLock := coordinator.NewDistributedLock(redisClient, "coordinator")
//	builder := coordinator.NewGraphBuilder(kv, remote, contentCache, edges, buildLock, logger, metrics)
//	coord := coordinator.NewCoordinator(engine, remote, builder, edges, coordinator.NoOpActivitySink{}, logger, metrics)
//
// # Core Concepts
//
// KVStore: thin wrapper over the Redis client for the lock hashes and the
// persisted graph state (graph blob, FileShaMap, headCheckedAt), following the same RedisOptions()/connection conventions used
// across the rest of the package.
//
// LockEngine (C2): owner-scoped advisory locks over (repo, branch, filePath),
// all held in one Redis hash per (repo, branch) so acquisition of multiple
// files stays atomic under Redis Cluster — either every requested file is
// free (or already owned by the caller) and all are locked, or none are.
// There is no separate heartbeat operation: an owner re-issuing post_status
// with the same files re-acquires and extends the TTL. A background sweeper
// removes locks whose TTL has elapsed.
//
// RemoteRepository (C3): abstracts the Git forge (branch HEAD SHA, recursive
// tree listing, blob content) behind an interface so staleness checks and
// graph rebuilds don't depend on a specific forge's API shape.
//
// GraphBuilder (C4): maintains a cached DependencyGraph per (repo, branch).
// A HEAD check against the remote is the cheap first layer; only when HEAD
// has moved does it diff file content hashes to find what actually changed,
// then re-parses only those files' imports. Concurrent rebuild requests for
// the same (repo, branch) collapse onto one in-flight build via singleflight,
// and an advisory Redis lock extends that collapsing across replicas.
//
// Coordinator (C5): the public surface — check_status, post_status,
// and get_graph — that combines LockEngine state, staleness, and the
// dependency graph's reverse edge index into an OrchestrationCommand.
//
// # Lock Acquisition
//
// Acquire locks atomically over a set of files:
//
//	entries, err := engine.Acquire(ctx, coordinator.AcquireRequest{
//	    Repo: "agentmesh/widget", Branch: "main", Owner: "agent-7",
//	    Files:   []string{"pkg/auth/session.go"},
//	    Kind:    coordinator.LockWriting,
//	    Message: "rotating session keys",
//	})
//	if coordinator.IsConflict(err) {
//	    // one or more files already locked by a different owner
//	}
//
// Re-acquiring the same request extends the TTL past its original deadline;
// release when done:
//
//	_, err := engine.Acquire(ctx, sameRequest) // extends the TTL
//	err = engine.Release(ctx, "agentmesh/widget", "main", "agent-7", files)
//
// # Checking Status and Orchestration
//
// check_status returns, in Locks, the DIRECT locks held on the requested
// files. When none of them is locked, it looks up the files that import a
// requested file (one hop, via the reverse edge index); if one of those is
// locked, the first such lock is reported as NEIGHBOR in the orchestration
// command. Files that the requested files import are not checked:
//
//	status, err := coord.CheckStatus(ctx, coordinator.CheckStatusRequest{
//	    Repo: "agentmesh/widget", Branch: "main",
//	    FilePaths: []string{"src/server.go"}, AgentHead: "a1b2c3d",
//	})
//
// post_status combines lock state with remote staleness into a single
// next-action command:
//
//	result, err := coord.PostStatus(ctx, coordinator.PostStatusRequest{
//	    Repo: "agentmesh/widget", Branch: "main", UserID: "agent-7",
//	    FilePaths: []string{"src/server.go"}, Status: coordinator.StatusWriting,
//	    Message: "editing the server", AgentHead: "a1b2c3d",
//	})
//	switch result.Orchestration.Action {
//	case coordinator.ActionProceed:
//	case coordinator.ActionPull:
//	case coordinator.ActionPush:
//	case coordinator.ActionSwitchTask:
//	case coordinator.ActionStop:
//	case coordinator.ActionWait:
//	}
//
// # Dependency Graph
//
// get_graph returns a GraphView of the cached DependencyGraph for a (repo,
// branch), rebuilding it first if the remote HEAD has moved since the last
// cached build (or unconditionally when forceRegenerate is true):
//
//	view, err := coord.GetGraph(ctx, "agentmesh/widget", "main", false)
//
// The graph is built from a lexical (non-AST) import scan over TypeScript,
// JavaScript, and Python sources, resolved against the repository's file
// tree, with edges persisted alongside a reverse edge index for O(1) NEIGHBOR
// lookups in check_status.
//
// # Content Caching
//
// GraphBuilder fetches file content from the remote once per content hash and
// caches it, scoped per (repo, branch); entries above
// DefaultContentOverflowThreshold spill to a pluggable Backend (filesystem by
// default) instead of the Redis hash, so Redis memory stays bounded for
// repositories with large generated files:
//
//	backend := coordinator.NewFilesystemBackend("./data/overflow")
//	cache := coordinator.NewContentCache(redisClient, backend, coordinator.DefaultContentOverflowThreshold)
//
// # Stale Lock Sweeping
//
// A background sweeper periodically scans for locks whose TTL has elapsed
// and removes them:
//
//	sweeper := coordinator.NewSweeper(engine, buildLock, sweepSecret, coordinator.DefaultSweepInterval, logger, metrics)
//	go sweeper.Run(ctx)
//	defer sweeper.Stop()
//
// cmd/coordinator runs the sweeper inside the service process; its "sweep"
// subcommand runs a single sweep pass and exits.
//
// # Observability
//
// Metrics (Prometheus):
//
//	metrics := coordinator.NewPrometheusMetrics(prometheus.NewRegistry())
//
// Logging (Zap structured logging):
//
//	logger, _ := coordinator.NewProductionZapLogger()
//
// # Performance Characteristics
//
// Latency (typical):
//   - Lock acquire (no contention): 2-5ms (single Lua script round-trip)
//   - check_status, graph cached: 1-3ms
//   - check_status, HEAD moved, no content changed: one remote HEAD call, no rebuild
//   - Full graph rebuild: dominated by remote tree/content fetch latency
//
// Scalability:
//   - Tested with thousands of files per repository
//   - Redis can handle many concurrent (repo, branch) lock namespaces
//
// # Repository and License
//
// License: MIT License
package coordinator
