package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
)

// CleanupResult is cleanup_stale_locks's output (spec §6).
type CleanupResult struct {
	Success   bool      `json:"success"`
	Cleaned   int       `json:"cleaned"`
	Timestamp time.Time `json:"timestamp"`
}

// Sweeper runs the Stale-Lock Sweeper (spec §4.6): a wall-clock loop that
// invokes C2's sweep and, separately, a shared-secret-gated endpoint an
// external scheduler can call on demand. Either path is deduplicated across
// replicas with the same DistributedLock the graph builder uses for its
// build critical section, so two replicas ticking at the same moment don't
// both pay the scan cost.
type Sweeper struct {
	locks        *LockEngine
	dedupeLock   *DistributedLock
	sharedSecret string
	interval     time.Duration
	logger       Logger
	metrics      Metrics

	stop chan struct{}
}

// NewSweeper creates a Sweeper. interval defaults to DefaultSweepInterval
// when zero. sharedSecret authenticates RunCleanupOnce callers (spec §4.6:
// "the core treats the scheduler as an untrusted external collaborator");
// an empty secret means RunCleanupOnce always rejects, since there is no
// value that could satisfy a blank credential.
func NewSweeper(locks *LockEngine, dedupeLock *DistributedLock, sharedSecret string, interval time.Duration, logger Logger, metrics Metrics) *Sweeper {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		locks:        locks,
		dedupeLock:   dedupeLock,
		sharedSecret: sharedSecret,
		interval:     interval,
		logger:       logger,
		metrics:      metrics,
		stop:         make(chan struct{}),
	}
}

// Run blocks, sweeping on s.interval until ctx is cancelled or Stop is
// called. Intended to run in its own goroutine from cmd/coordinator/main.go.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.sweepOnce(ctx); err != nil {
				s.logger.Warn("stale lock sweep failed", "error", err)
			}
		}
	}
}

// Stop ends a running Run loop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// sweepOnce performs one sweep, skipping it entirely (rather than blocking)
// if another replica already holds the dedupe lock.
func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	release, err := s.dedupeLock.Lock(ctx, "sweeper", 30*time.Second)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return 0, nil
		}
		return 0, err
	}
	defer release()

	return s.locks.Sweep(ctx)
}

// RunCleanupOnce implements cleanup_stale_locks (spec §6): a single sweep
// pass gated by a shared secret supplied out-of-band (the network layer's
// header, not part of this signature's contract). ErrUnauthorized maps to
// the operation's documented 401.
func (s *Sweeper) RunCleanupOnce(ctx context.Context, providedSecret string) (*CleanupResult, error) {
	if !s.authorized(providedSecret) {
		return nil, ErrUnauthorized
	}

	cleaned, err := s.sweepOnce(ctx)
	if err != nil {
		return nil, err
	}

	return &CleanupResult{
		Success:   true,
		Cleaned:   cleaned,
		Timestamp: time.Now(),
	}, nil
}

func (s *Sweeper) authorized(providedSecret string) bool {
	if s.sharedSecret == "" || providedSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(providedSecret), []byte(s.sharedSecret)) == 1
}
