package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LockKind distinguishes an advisory read lock (the agent is only reading the
// file, e.g. to resolve imports) from a write lock (the agent intends to
// modify it). The reader-lock policy is kept uniform with writers (spec §9
// open question, resolved (b) in DESIGN.md): a READING acquire conflicts with
// any non-owner lock on the same file exactly like a WRITING acquire does,
// since the single-LockEntry-per-file data model (§3) has no shape for a set
// of concurrent readers.
type LockKind int

const (
	LockReading LockKind = iota
	LockWriting
)

func (k LockKind) String() string {
	if k == LockWriting {
		return "writing"
	}
	return "reading"
}

// acquireScript operates on a single hash key holding every lock for one
// (repo, branch) — spec §4.2/§6's "locks:{repo}:{branch}" layout — so a
// multi-file acquire only ever touches one Redis key and stays
// CROSSSLOT-safe under Redis Cluster. It checks every requested field and,
// only if each one is either absent, already expired, or already owned by
// the caller, writes them all. ARGV is [owner, nowNanos, value, file...]; a
// field's value carries its own expiresAt since hash fields have no native
// per-field TTL.
const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local value = ARGV[3]
for i = 4, #ARGV do
	local field = ARGV[i]
	local v = redis.call("HGET", key, field)
	if v then
		local sep1 = string.find(v, "|")
		local existingOwner = string.sub(v, 1, sep1 - 1)
		if existingOwner ~= owner then
			local rest = string.sub(v, sep1 + 1)
			local sep2 = string.find(rest, "|")
			local expiresAt = tonumber(string.sub(rest, 1, sep2 - 1))
			if expiresAt > now then
				return {0, field, existingOwner}
			end
		end
	end
end
for i = 4, #ARGV do
	redis.call("HSET", key, ARGV[i], value)
end
return {1, "", ""}
`

// releaseScript deletes only the fields the caller owns from the (repo,
// branch) hash; fields owned by someone else (or already gone) are left
// untouched rather than erroring, since a release on an already-released
// file is a no-op, not a failure. ARGV is [owner, file...].
const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
for i = 2, #ARGV do
	local field = ARGV[i]
	local v = redis.call("HGET", key, field)
	if v then
		local sep = string.find(v, "|")
		local existingOwner = string.sub(v, 1, sep - 1)
		if existingOwner == owner then
			redis.call("HDEL", key, field)
		end
	end
end
return 1
`

// LockEntry describes one acquired advisory file lock. ID is a per-acquire
// correlation id (NewID) shared by every file an Acquire call locked
// together. Owner/UserName carry the caller identity (§3 userId/userName),
// AgentHead is the commit the owner observed at acquisition, and Message is
// the required, non-empty description of intent shown to observers.
type LockEntry struct {
	ID         string    `json:"id"`
	Repo       string    `json:"repo"`
	Branch     string    `json:"branch"`
	FilePath   string    `json:"file_path"`
	Owner      string    `json:"owner"`
	UserName   string    `json:"user_name"`
	Kind       LockKind  `json:"kind"`
	AgentHead  string    `json:"agent_head"`
	Message    string    `json:"message"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireRequest describes a multi-file lock acquisition.
type AcquireRequest struct {
	Repo      string
	Branch    string
	Owner     string
	UserName  string
	Files     []string
	Kind      LockKind
	AgentHead string
	// Message is the agent's intent for observers; required, non-empty
	// (spec §3 LockEntry.message).
	Message string
	// TTL defaults to DefaultLockTTL when zero.
	TTL time.Duration
}

// lockSetKey names the single hash holding every lock for (repo, branch),
// shared between LockEngine and LockManager so both walk the same key space.
func lockSetKey(keyPrefix, repo, branch string) string {
	return fmt.Sprintf("%s:locks:%s:%s", keyPrefix, repo, branch)
}

// encodeLockValue packs a LockEntry's fields into the single string stored
// at a hash field. Owner leads unencoded, with expiresAt right behind it, so
// the Lua scripts can extract both with plain string.find/sub without a JSON
// decoder in Lua; everything else is base64-encoded so an arbitrary user
// name, commit id, or message (which may itself contain "|") never corrupts
// the field split.
func encodeLockValue(id, owner string, kind LockKind, acquiredAt, expiresAt time.Time, userName, agentHead, message string) string {
	return strings.Join([]string{
		owner,
		strconv.FormatInt(expiresAt.UnixNano(), 10),
		id,
		strconv.Itoa(int(kind)),
		strconv.FormatInt(acquiredAt.UnixNano(), 10),
		base64.StdEncoding.EncodeToString([]byte(userName)),
		base64.StdEncoding.EncodeToString([]byte(agentHead)),
		base64.StdEncoding.EncodeToString([]byte(message)),
	}, "|")
}

// decodeLockValue reverses encodeLockValue. A malformed value (corruption,
// or a value written by an older schema) is treated as absent rather than
// erroring, per spec §7 "corruption ... treated as absent for reads".
func decodeLockValue(value string) (id, owner string, kind LockKind, acquiredAt, expiresAt time.Time, userName, agentHead, message string, ok bool) {
	parts := strings.SplitN(value, "|", 8)
	if len(parts) != 8 {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	expiresNanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	kindNum, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	acquiredNanos, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	userNameBytes, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	agentHeadBytes, err := base64.StdEncoding.DecodeString(parts[6])
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	messageBytes, err := base64.StdEncoding.DecodeString(parts[7])
	if err != nil {
		return "", "", 0, time.Time{}, time.Time{}, "", "", "", false
	}
	return parts[2], parts[0], LockKind(kindNum), time.Unix(0, acquiredNanos), time.Unix(0, expiresNanos),
		string(userNameBytes), string(agentHeadBytes), string(messageBytes), true
}

// LockEngine implements owner-scoped advisory locking over (repo, branch,
// filePath) using a single Redis hash per (repo, branch), one field per
// locked file. Because hash fields carry no native per-field TTL, expiry is
// tracked in the encoded value itself and enforced at the application level
// on every read (Invariant 4). Acquisition and release of a set of files are
// each atomic across the whole set via Lua scripting against that one key,
// the same pattern DistributedLock uses for single-key compare-and-act
// operations — generalized here to one key with many fields instead of many
// keys, so a multi-file acquire stays within a single Redis Cluster slot.
type LockEngine struct {
	kv         KVStore
	keyPrefix  string
	defaultTTL time.Duration
	logger     Logger
	metrics    Metrics
}

// NewLockEngine creates a LockEngine over kv (C1). keyPrefix is "filelock" in
// normal use; LockManager must be constructed with the same prefix to
// administer the same key space.
func NewLockEngine(kv KVStore, keyPrefix string, defaultTTL time.Duration, logger Logger, metrics Metrics) *LockEngine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if defaultTTL == 0 {
		defaultTTL = DefaultLockTTL
	}
	return &LockEngine{
		kv:         kv,
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

func (e *LockEngine) lockSetKey(repo, branch string) string {
	return lockSetKey(e.keyPrefix, repo, branch)
}

// Acquire locks every file in req.Files for req.Owner. It is all-or-nothing:
// if any file is already locked by a different owner, no locks are taken and
// ErrFileConflict is returned identifying the first conflicting file.
func (e *LockEngine) Acquire(ctx context.Context, req AcquireRequest) ([]LockEntry, error) {
	if len(req.Files) == 0 {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "no files requested"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "message is required"})
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = e.defaultTTL
	}

	// Deduplicate requested files so Invariant 3 ("every f or none") isn't
	// accidentally satisfied twice for a repeated path in the same request.
	seen := make(map[string]struct{}, len(req.Files))
	files := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}

	key := e.lockSetKey(req.Repo, req.Branch)
	now := time.Now()
	id := NewID()
	value := encodeLockValue(id, req.Owner, req.Kind, now, now.Add(ttl), req.UserName, req.AgentHead, req.Message)

	args := make([]interface{}, 0, 3+len(files))
	args = append(args, req.Owner, now.UnixNano(), value)
	for _, f := range files {
		args = append(args, f)
	}

	start := time.Now()
	result, err := e.kv.Eval(ctx, acquireScript, []string{key}, args...)
	e.metrics.Timing(MetricLockDuration, time.Since(start), "repo", req.Repo)
	if err != nil {
		e.metrics.Increment(MetricLockFailed, "repo", req.Repo)
		return nil, fmt.Errorf("lock acquire script failed: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected acquire script result: %v", result)
	}

	ok64, _ := vals[0].(int64)
	if ok64 != 1 {
		conflictFile, _ := vals[1].(string)
		conflictOwner, _ := vals[2].(string)
		e.metrics.Increment(MetricLockFailed, "repo", req.Repo)
		return nil, WithContext(ErrFileConflict, map[string]interface{}{
			"repo": req.Repo, "branch": req.Branch,
			"conflicting_file": conflictFile, "conflicting_user": conflictOwner,
		})
	}

	e.metrics.Increment(MetricLockAcquired, "repo", req.Repo)

	entries := make([]LockEntry, len(files))
	for i, f := range files {
		entries[i] = LockEntry{
			ID: id, Repo: req.Repo, Branch: req.Branch, FilePath: f,
			Owner: req.Owner, UserName: req.UserName, Kind: req.Kind,
			AgentHead: req.AgentHead, Message: req.Message,
			AcquiredAt: now, ExpiresAt: now.Add(ttl),
		}
	}

	e.logger.Info("locks acquired", "repo", req.Repo, "branch", req.Branch, "owner", req.Owner, "files", len(files), "kind", req.Kind.String())

	return entries, nil
}

// Release drops every listed file's lock owned by owner. Files not owned by
// owner (or not locked at all) are silently skipped. Re-acquiring the same
// files before their TTL lapses is how an agent keeps a lock alive; there is
// no separate heartbeat operation (spec §9).
func (e *LockEngine) Release(ctx context.Context, repo, branch, owner string, files []string) error {
	key := e.lockSetKey(repo, branch)

	args := make([]interface{}, 0, 1+len(files))
	args = append(args, owner)
	for _, f := range files {
		args = append(args, f)
	}

	if _, err := e.kv.Eval(ctx, releaseScript, []string{key}, args...); err != nil {
		return fmt.Errorf("lock release script failed: %w", err)
	}

	e.logger.Info("locks released", "repo", repo, "branch", branch, "owner", owner, "files", len(files))

	return nil
}

// Get returns the current lock on one file, or ErrLockNotFound if it's free.
func (e *LockEngine) Get(ctx context.Context, repo, branch, filePath string) (*LockEntry, error) {
	key := e.lockSetKey(repo, branch)
	value, found, err := e.kv.HGet(ctx, key, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if !found {
		return nil, ErrLockNotFound
	}

	id, owner, kind, acquiredAt, expiresAt, userName, agentHead, message, ok := decodeLockValue(value)
	if !ok {
		// Corruption is treated as absent, not erroring (spec §7): a
		// malformed value can't have been written by a current Acquire, so
		// there is nothing a caller could usefully retry.
		e.logger.Warn("dropping unparsable lock value", "repo", repo, "branch", branch, "file", filePath)
		return nil, ErrLockNotFound
	}

	if !expiresAt.After(time.Now()) {
		// Invariant 4: expiry monotonicity in reads. Hash fields carry no
		// native TTL, so every read re-checks the encoded expiresAt itself.
		return nil, ErrLockNotFound
	}

	return &LockEntry{
		ID: id, Repo: repo, Branch: branch, FilePath: filePath,
		Owner: owner, UserName: userName, Kind: kind,
		AgentHead: agentHead, Message: message,
		AcquiredAt: acquiredAt, ExpiresAt: expiresAt,
	}, nil
}

// ListHeld returns the lock state for a set of files in one repo/branch,
// skipping files that aren't locked. coordination.go uses this to compute
// DIRECT locks for check_status.
func (e *LockEngine) ListHeld(ctx context.Context, repo, branch string, files []string) (map[string]LockEntry, error) {
	held := make(map[string]LockEntry)
	for _, f := range files {
		entry, err := e.Get(ctx, repo, branch, f)
		if err == ErrLockNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		held[f] = *entry
	}
	return held, nil
}

// Check is the spec-named alias for ListHeld (§4.2 "check(repo, branch,
// filePaths)"): it restricts the read to the requested paths.
func (e *LockEngine) Check(ctx context.Context, repo, branch string, files []string) (map[string]LockEntry, error) {
	return e.ListHeld(ctx, repo, branch, files)
}

// GetAll returns every non-expired lock for (repo, branch), keyed by file
// path (spec §4.2 "getAll(repo, branch)").
func (e *LockEngine) GetAll(ctx context.Context, repo, branch string) (map[string]LockEntry, error) {
	key := e.lockSetKey(repo, branch)
	fields, err := e.kv.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock set: %w", err)
	}

	now := time.Now()
	held := make(map[string]LockEntry, len(fields))
	for filePath, value := range fields {
		id, owner, kind, acquiredAt, expiresAt, userName, agentHead, message, ok := decodeLockValue(value)
		if !ok {
			e.logger.Warn("dropping unparsable lock value", "repo", repo, "branch", branch, "file", filePath)
			continue
		}
		if !expiresAt.After(now) {
			continue
		}
		held[filePath] = LockEntry{
			ID: id, Repo: repo, Branch: branch, FilePath: filePath,
			Owner: owner, UserName: userName, Kind: kind,
			AgentHead: agentHead, Message: message,
			AcquiredAt: acquiredAt, ExpiresAt: expiresAt,
		}
	}
	return held, nil
}

// Sweep enumerates every (repo, branch) lock hash and removes any field
// whose encoded expiresAt has already lapsed. Passive, per-read filtering
// (Invariant 4, in Get/GetAll) is what keeps an expired lock from ever being
// reported as live; Sweep is the bounded-growth backstop the Stale-Lock
// Sweeper (§4.6) invokes on its wall-clock schedule so abandoned fields
// don't accumulate in the hash forever.
func (e *LockEngine) Sweep(ctx context.Context) (int, error) {
	pattern := fmt.Sprintf("%s:locks:*", e.keyPrefix)
	removed := 0

	keys, err := e.kv.ScanPrefix(ctx, pattern, 200)
	if err != nil {
		return removed, fmt.Errorf("failed to scan lock sets: %w", err)
	}

	now := time.Now()
	for _, key := range keys {
		fields, err := e.kv.HGetAll(ctx, key)
		if err != nil {
			continue
		}

		var expired []string
		for filePath, value := range fields {
			_, _, _, _, expiresAt, _, _, _, ok := decodeLockValue(value)
			if !ok || !expiresAt.After(now) {
				expired = append(expired, filePath)
			}
		}
		if len(expired) == 0 {
			continue
		}
		if err := e.kv.HDel(ctx, key, expired...); err != nil {
			continue
		}
		removed += len(expired)
	}
	if removed > 0 {
		e.logger.Info("stale lock sweep removed keys", "count", removed)
		e.metrics.Increment(MetricSweepRemoved)
	}
	e.metrics.Increment(MetricSweepRuns)
	return removed, nil
}

// ReleaseAll unconditionally wipes every lock for (repo, branch), regardless
// of owner. Used for administrative resets (the release_all_locks
// operation, spec §6).
func (e *LockEngine) ReleaseAll(ctx context.Context, repo, branch string) (int, error) {
	key := e.lockSetKey(repo, branch)

	fields, err := e.kv.HGetAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock set: %w", err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	if _, err := e.kv.Del(ctx, key); err != nil {
		return 0, fmt.Errorf("failed to delete lock set: %w", err)
	}

	e.logger.Info("released all locks", "repo", repo, "branch", branch, "count", len(fields))
	return len(fields), nil
}
