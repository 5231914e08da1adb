package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Orchestration actions a caller is told to take next (spec §4.5).
const (
	ActionProceed    = "PROCEED"
	ActionPull       = "PULL"
	ActionPush       = "PUSH"
	ActionSwitchTask = "SWITCH_TASK"
	ActionStop       = "STOP"
	ActionWait       = "WAIT"
)

// post_status status values (spec §4.5). Anything outside this set is
// accepted as informational and just recorded.
const (
	StatusOpen    = "OPEN"
	StatusWriting = "WRITING"
	StatusReading = "READING"
)

// check_status derived status values.
const (
	CheckStale    = "STALE"
	CheckConflict = "CONFLICT"
	CheckOK       = "OK"
)

// Lock proximity kinds distinguishing a lock on a requested file (DIRECT)
// from a lock on a file reachable through the reverse edge index (NEIGHBOR).
const (
	KindDirect   = "DIRECT"
	KindNeighbor = "NEIGHBOR"
)

// OrchestrationCommand is the shape every coordination operation returns
// alongside its own result fields: what the caller should do next.
type OrchestrationCommand struct {
	Action   string                 `json:"action"`
	Command  string                 `json:"command,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ActivityEvent is the fire-and-forget side effect of a successful
// post_status (spec §4.5, §9 "activity stream"). The core does not persist
// these; ActivitySink is a pluggable publication point.
type ActivityEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Repo       string    `json:"repo"`
	Branch     string    `json:"branch"`
	FilePath   string    `json:"file_path"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ActivityStatusWriting = "status_writing"
	ActivityStatusReading = "status_reading"
	ActivityStatusOpen    = "status_open"
)

// ActivitySink receives ActivityEvents published by post_status. Delivery to
// observers is explicitly outside the core (spec §9); a process that wants
// to fan events out to a queue, log stream, or webhook implements this.
type ActivitySink interface {
	Publish(ctx context.Context, event ActivityEvent) error
}

// NoOpActivitySink discards every event. Default when no sink is configured.
type NoOpActivitySink struct{}

func (NoOpActivitySink) Publish(ctx context.Context, event ActivityEvent) error { return nil }

// CheckStatusRequest is check_status's input (spec §6).
type CheckStatusRequest struct {
	Repo      string
	Branch    string
	FilePaths []string
	AgentHead string
}

// CheckStatusResult is check_status's output.
type CheckStatusResult struct {
	Status        string               `json:"status"`
	RemoteHead    string               `json:"repo_head"`
	Locks         map[string]LockEntry `json:"locks"`
	Warnings      []string             `json:"warnings"`
	Orchestration OrchestrationCommand `json:"orchestration"`
}

// PostStatusRequest is post_status's input (spec §6). UserID/UserName carry
// caller identity (delivered via headers in the network layer; the core
// only ever sees them as plain fields).
type PostStatusRequest struct {
	Repo        string
	Branch      string
	FilePaths   []string
	Status      string
	Message     string
	UserID      string
	UserName    string
	AgentHead   string
	NewRepoHead string
}

// PostStatusResult is post_status's output.
type PostStatusResult struct {
	Success              bool                 `json:"success"`
	Locks                []LockEntry          `json:"locks,omitempty"`
	OrphanedDependencies []string             `json:"orphaned_dependencies,omitempty"`
	Orchestration        OrchestrationCommand `json:"orchestration"`
}

// Coordinator composes C2 (locks), C3 (remote), C4 (graph) and the reverse
// edge index into the three operations exposed to the network layer
// (spec §4.5): check_status, post_status, get_graph.
type Coordinator struct {
	locks    *LockEngine
	remote   RemoteRepository
	graphs   *GraphBuilder
	edges    *EdgeIndex
	activity ActivitySink
	logger   Logger
	metrics  Metrics
}

// NewCoordinator wires the collaborators. activity may be nil, in which case
// events are discarded (NoOpActivitySink).
func NewCoordinator(locks *LockEngine, remote RemoteRepository, graphs *GraphBuilder, edges *EdgeIndex, activity ActivitySink, logger Logger, metrics Metrics) *Coordinator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if activity == nil {
		activity = NoOpActivitySink{}
	}
	return &Coordinator{
		locks:    locks,
		remote:   remote,
		graphs:   graphs,
		edges:    edges,
		activity: activity,
		logger:   logger,
		metrics:  metrics,
	}
}

func (c *Coordinator) publish(ctx context.Context, event ActivityEvent) {
	if err := c.activity.Publish(ctx, event); err != nil {
		c.logger.Warn("activity publish failed", "type", event.Type, "file", event.FilePath, "error", err)
	}
}

// CheckStatus implements check_status (spec §4.5).
func (c *Coordinator) CheckStatus(ctx context.Context, req CheckStatusRequest) (*CheckStatusResult, error) {
	if req.Repo == "" || req.Branch == "" || len(req.FilePaths) == 0 || req.AgentHead == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "repo, branch, file_paths and agent_head are required"})
	}

	canonical := CanonicalizeRepo(req.Repo)
	owner, repoName, ok := SplitOwnerRepo(canonical)
	if !ok {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"repo": req.Repo, "reason": "expected owner/repo"})
	}

	remoteHead, err := c.remote.GetHeadCached(ctx, owner, repoName, req.Branch, DefaultHeadCacheTTL)
	if err != nil {
		return nil, err
	}

	isStale := req.AgentHead != remoteHead

	directLocks, err := c.locks.Check(ctx, canonical, req.Branch, req.FilePaths)
	if err != nil {
		return nil, err
	}

	warnings := []string{}

	status := CheckOK
	var orchestration OrchestrationCommand

	switch {
	case isStale:
		status = CheckStale
		orchestration = OrchestrationCommand{
			Action:  ActionPull,
			Command: "git pull --rebase",
			Reason:  fmt.Sprintf("Your local repo is behind. Current HEAD: %s", remoteHead),
		}
	case len(directLocks) > 0:
		status = CheckConflict
		file, entry := firstLockByPath(directLocks)
		orchestration = switchTaskFor(file, entry, KindDirect)
	default:
		neighborFile, neighborEntry, found := c.findNeighborLock(ctx, canonical, req.Branch, req.FilePaths)
		if found {
			status = CheckConflict
			orchestration = switchTaskFor(neighborFile, neighborEntry, KindNeighbor)
		} else {
			orchestration = OrchestrationCommand{Action: ActionProceed}
		}
	}

	c.metrics.Increment(MetricOrchestrationDecision, "action", orchestration.Action)
	if status == CheckStale {
		c.metrics.Increment(MetricOrchestrationStale)
	}

	return &CheckStatusResult{
		Status:        status,
		RemoteHead:    remoteHead,
		Locks:         directLocks,
		Warnings:      warnings,
		Orchestration: orchestration,
	}, nil
}

func firstLockByPath(locks map[string]LockEntry) (string, LockEntry) {
	paths := make([]string, 0, len(locks))
	for p := range locks {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths[0], locks[paths[0]]
}

func switchTaskFor(file string, entry LockEntry, kind string) OrchestrationCommand {
	owner := entry.UserName
	if owner == "" {
		owner = entry.Owner
	}
	return OrchestrationCommand{
		Action: ActionSwitchTask,
		Reason: fmt.Sprintf("%s is locked by %s (%s, %s)", file, owner, entry.Kind.String(), kind),
		Metadata: map[string]interface{}{
			"conflicting_file": file,
			"conflicting_user": entry.Owner,
			"kind":             kind,
		},
	}
}

// findNeighborLock looks up, for each requested file, the set of files that
// import it (one hop via the reverse edge index) and returns the first
// locked one found. If the edge index is unavailable, NEIGHBOR simply isn't
// reported (spec §9: "if the graph is unavailable, only DIRECT is reported").
func (c *Coordinator) findNeighborLock(ctx context.Context, repo, branch string, filePaths []string) (string, LockEntry, bool) {
	if c.edges == nil {
		return "", LockEntry{}, false
	}
	importers, err := c.edges.ImportedByAny(ctx, repo, branch, filePaths)
	if err != nil || len(importers) == 0 {
		return "", LockEntry{}, false
	}
	locks, err := c.locks.Check(ctx, repo, branch, importers)
	if err != nil || len(locks) == 0 {
		return "", LockEntry{}, false
	}
	file, entry := firstLockByPath(locks)
	return file, entry, true
}

// PostStatus implements post_status (spec §4.5).
func (c *Coordinator) PostStatus(ctx context.Context, req PostStatusRequest) (*PostStatusResult, error) {
	if req.Repo == "" || req.Branch == "" || len(req.FilePaths) == 0 || req.Status == "" || req.Message == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "repo, branch, file_paths, status and message are required"})
	}

	canonical := CanonicalizeRepo(req.Repo)
	owner, repoName, ok := SplitOwnerRepo(canonical)
	if !ok {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"repo": req.Repo, "reason": "expected owner/repo"})
	}

	switch strings.ToUpper(req.Status) {
	case StatusOpen:
		return c.postOpen(ctx, canonical, req)
	case StatusWriting:
		return c.postWriting(ctx, canonical, owner, repoName, req)
	case StatusReading:
		return c.postReading(ctx, canonical, owner, repoName, req)
	default:
		for _, f := range req.FilePaths {
			c.publish(ctx, ActivityEvent{
				ID: NewID(), Type: "status_" + strings.ToLower(req.Status), Repo: canonical, Branch: req.Branch,
				FilePath: f, UserID: req.UserID, UserName: req.UserName, Status: req.Status,
				Message: req.Message, Timestamp: time.Now(),
			})
		}
		return &PostStatusResult{Success: true, Orchestration: OrchestrationCommand{Action: ActionProceed}}, nil
	}
}

func (c *Coordinator) postOpen(ctx context.Context, repo string, req PostStatusRequest) (*PostStatusResult, error) {
	if req.NewRepoHead != "" && req.AgentHead != "" && req.NewRepoHead == req.AgentHead {
		return &PostStatusResult{
			Success: false,
			Orchestration: OrchestrationCommand{
				Action:  ActionPush,
				Command: "git push",
				Reason:  "completion claimed without advancing the branch",
			},
		}, nil
	}

	if err := c.locks.Release(ctx, repo, req.Branch, req.UserID, req.FilePaths); err != nil {
		return nil, err
	}

	orphaned := c.computeOrphanedDependencies(ctx, repo, req.Branch, req.FilePaths)

	for _, f := range req.FilePaths {
		c.publish(ctx, ActivityEvent{
			ID: NewID(), Type: ActivityStatusOpen, Repo: repo, Branch: req.Branch, FilePath: f,
			UserID: req.UserID, UserName: req.UserName, Status: req.Status,
			Message: req.Message, Timestamp: time.Now(),
		})
	}

	return &PostStatusResult{
		Success:              true,
		OrphanedDependencies: orphaned,
		Orchestration:        OrchestrationCommand{Action: ActionProceed},
	}, nil
}

func (c *Coordinator) postWriting(ctx context.Context, repo, owner, repoName string, req PostStatusRequest) (*PostStatusResult, error) {
	if req.AgentHead == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "agent_head is required for WRITING"})
	}

	remoteHead, err := c.remote.GetHeadCached(ctx, owner, repoName, req.Branch, DefaultHeadCacheTTL)
	if err != nil {
		return nil, err
	}
	if req.AgentHead != remoteHead {
		return &PostStatusResult{
			Success: false,
			Orchestration: OrchestrationCommand{
				Action:  ActionPull,
				Command: "git pull --rebase",
				Metadata: map[string]interface{}{
					"remote_head": remoteHead,
					"your_head":   req.AgentHead,
				},
			},
		}, nil
	}

	entries, err := c.locks.Acquire(ctx, AcquireRequest{
		Repo: repo, Branch: req.Branch, Owner: req.UserID, UserName: req.UserName,
		Files: req.FilePaths, Kind: LockWriting, AgentHead: req.AgentHead, Message: req.Message,
	})
	if result, handled := c.handleAcquireConflict(err); handled {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		c.publish(ctx, ActivityEvent{
			ID: NewID(), Type: ActivityStatusWriting, Repo: repo, Branch: req.Branch, FilePath: e.FilePath,
			UserID: req.UserID, UserName: req.UserName, Status: req.Status,
			Message: req.Message, Timestamp: time.Now(),
		})
	}

	return &PostStatusResult{Success: true, Locks: entries, Orchestration: OrchestrationCommand{Action: ActionProceed}}, nil
}

func (c *Coordinator) postReading(ctx context.Context, repo, owner, repoName string, req PostStatusRequest) (*PostStatusResult, error) {
	agentHead := req.AgentHead
	if agentHead == "" {
		if remoteHead, err := c.remote.GetHeadCached(ctx, owner, repoName, req.Branch, DefaultHeadCacheTTL); err == nil {
			agentHead = remoteHead
		}
	}

	entries, err := c.locks.Acquire(ctx, AcquireRequest{
		Repo: repo, Branch: req.Branch, Owner: req.UserID, UserName: req.UserName,
		Files: req.FilePaths, Kind: LockReading, AgentHead: agentHead, Message: req.Message,
	})
	if result, handled := c.handleAcquireConflict(err); handled {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		c.publish(ctx, ActivityEvent{
			ID: NewID(), Type: ActivityStatusReading, Repo: repo, Branch: req.Branch, FilePath: e.FilePath,
			UserID: req.UserID, UserName: req.UserName, Status: req.Status,
			Message: req.Message, Timestamp: time.Now(),
		})
	}

	return &PostStatusResult{Success: true, Locks: entries, Orchestration: OrchestrationCommand{Action: ActionProceed}}, nil
}

// handleAcquireConflict translates an ErrFileConflict from LockEngine.Acquire
// into a SWITCH_TASK result. Returns handled=false for any other error (or
// nil), leaving the caller to propagate it.
func (c *Coordinator) handleAcquireConflict(err error) (*PostStatusResult, bool) {
	if err == nil || !errors.Is(err, ErrFileConflict) {
		return nil, false
	}
	var ctxErr *ErrorWithContext
	conflictFile, conflictUser := "", ""
	if errors.As(err, &ctxErr) {
		conflictFile, _ = ctxErr.Context["conflicting_file"].(string)
		conflictUser, _ = ctxErr.Context["conflicting_user"].(string)
	}
	return &PostStatusResult{
		Success: false,
		Orchestration: OrchestrationCommand{
			Action: ActionSwitchTask,
			Reason: fmt.Sprintf("%s is locked by %s", conflictFile, conflictUser),
			Metadata: map[string]interface{}{
				"conflicting_file": conflictFile,
				"conflicting_user": conflictUser,
			},
		},
	}, true
}

// computeOrphanedDependencies finds files that import a just-released file
// and aren't themselves being released (spec §4.5 post_status/OPEN). Best
// effort: an unavailable graph yields an empty list rather than an error.
func (c *Coordinator) computeOrphanedDependencies(ctx context.Context, repo, branch string, released []string) []string {
	if c.graphs == nil {
		return nil
	}
	graph, err := c.graphs.Get(ctx, repo, branch, false)
	if err != nil || graph == nil {
		return nil
	}

	releasedSet := make(map[string]struct{}, len(released))
	for _, f := range released {
		releasedSet[f] = struct{}{}
	}

	var orphaned []string
	for source, targets := range graph.ForwardEdges {
		if _, skip := releasedSet[source]; skip {
			continue
		}
		for _, t := range targets {
			if _, ok := releasedSet[t]; ok {
				orphaned = append(orphaned, source)
				break
			}
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// GetGraph implements get_graph (spec §4.5): delegate to C4 with
// single-flight, then overlay locks fresh from C2.
func (c *Coordinator) GetGraph(ctx context.Context, repo, branch string, forceRegenerate bool) (*GraphView, error) {
	if repo == "" || branch == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "repo and branch are required"})
	}

	canonical := CanonicalizeRepo(repo)
	graph, err := c.graphs.Get(ctx, canonical, branch, forceRegenerate)
	if err != nil {
		return nil, err
	}

	locks, err := c.locks.GetAll(ctx, canonical, branch)
	if err != nil {
		c.logger.Warn("failed to overlay locks on graph, serving empty lock map", "repo", canonical, "branch", branch, "error", err)
		locks = map[string]LockEntry{}
	}

	view := graph.Export(locks)
	return &view, nil
}

// ReleaseAll implements the release_all_locks operation (spec §6).
func (c *Coordinator) ReleaseAll(ctx context.Context, repo, branch string) (int, error) {
	if repo == "" || branch == "" {
		return 0, WithContext(ErrInvalidData, map[string]interface{}{"reason": "repo and branch are required"})
	}
	return c.locks.ReleaseAll(ctx, CanonicalizeRepo(repo), branch)
}
