package githubapi

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SnapshotStore shares rate-limit snapshots between processes using the same credentials.
type SnapshotStore interface {
	SaveRateLimit(ctx context.Context, snapshot RateLimitSnapshot) error
	LoadRateLimit(ctx context.Context, resource string) (RateLimitSnapshot, bool, error)
}

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	Logger                *zap.Logger
	Shared                SnapshotStore
	Now                   func() time.Time
	Sleep                 func(ctx context.Context, duration time.Duration) error
}

// Governor tracks the latest quota snapshot per resource and pauses callers
// until the quota resets once it reaches the low-water mark.
type Governor struct {
	policy RateLimitPolicy
	logger *zap.Logger
	shared SnapshotStore
	sleep  func(ctx context.Context, duration time.Duration) error

	mu        sync.Mutex
	snapshots map[string]RateLimitSnapshot
}

// NewGovernor creates a Governor. Zero values default to a low-water mark of 1 and a 1s reset buffer.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.MinRemainingThreshold <= 0 {
		cfg.MinRemainingThreshold = 1
	}
	if cfg.MinResetBuffer <= 0 {
		cfg.MinResetBuffer = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Governor{
		policy: RateLimitPolicy{
			MinRemainingThreshold: cfg.MinRemainingThreshold,
			MinResetBuffer:        cfg.MinResetBuffer,
			Now:                   cfg.Now,
		},
		logger:    cfg.Logger,
		shared:    cfg.Shared,
		sleep:     cfg.Sleep,
		snapshots: make(map[string]RateLimitSnapshot),
	}
}

// Observe records the snapshot as the latest for its resource. Snapshots without quota metadata are ignored.
func (g *Governor) Observe(ctx context.Context, snapshot RateLimitSnapshot) {
	if !snapshot.Present {
		return
	}
	if snapshot.Resource == "" {
		snapshot.Resource = DefaultResource
	}

	g.mu.Lock()
	g.snapshots[snapshot.Resource] = snapshot
	g.mu.Unlock()

	if g.shared == nil {
		return
	}
	if err := g.shared.SaveRateLimit(ctx, snapshot); err != nil {
		g.logger.Warn("share rate limit snapshot failed",
			zap.String("resource", snapshot.Resource),
			zap.Error(err),
		)
	}
}

// Snapshot returns the latest snapshot recorded for resource.
func (g *Governor) Snapshot(resource string) (RateLimitSnapshot, bool) {
	if resource == "" {
		resource = DefaultResource
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot, ok := g.snapshots[resource]
	return snapshot, ok
}

// ThrottleIfNeeded blocks until the quota of resource resets when the latest
// snapshot is at or below the low-water mark. It returns early only when ctx ends.
func (g *Governor) ThrottleIfNeeded(ctx context.Context, resource string) error {
	snapshot, ok := g.effectiveSnapshot(ctx, resource)
	if !ok {
		return nil
	}

	decision := g.policy.Evaluate(snapshot)
	if decision.Allow {
		return nil
	}

	g.logger.Info("rate limit low water mark reached, pausing",
		zap.String("resource", snapshot.Resource),
		zap.Int("remaining", snapshot.Remaining),
		zap.Time("reset_at", snapshot.ResetAt()),
		zap.Duration("wait", decision.WaitFor),
	)
	return g.sleep(ctx, decision.WaitFor)
}

func (g *Governor) effectiveSnapshot(ctx context.Context, resource string) (RateLimitSnapshot, bool) {
	local, ok := g.Snapshot(resource)
	if g.shared == nil {
		return local, ok
	}
	if resource == "" {
		resource = DefaultResource
	}

	shared, found, err := g.shared.LoadRateLimit(ctx, resource)
	if err != nil {
		g.logger.Warn("load shared rate limit snapshot failed",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return local, ok
	}
	if !found || !shared.Present {
		return local, ok
	}
	if !ok || newerOrTighter(shared, local) {
		return shared, true
	}
	return local, ok
}

func newerOrTighter(candidate, current RateLimitSnapshot) bool {
	if candidate.ResetUnix != current.ResetUnix {
		return candidate.ResetUnix > current.ResetUnix
	}
	return candidate.Remaining < current.Remaining
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
