package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/config"
	"github.com/cam3ron2/github-org-stats-exporter/internal/exporter"
	"github.com/cam3ron2/github-org-stats-exporter/internal/health"
	"github.com/cam3ron2/github-org-stats-exporter/internal/scrape"
	"github.com/cam3ron2/github-org-stats-exporter/internal/store"
	"github.com/cam3ron2/github-org-stats-exporter/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultExtractionInterval = 20 * time.Minute

type cycleRunner interface {
	RunCycle(ctx context.Context) scrape.Outcome
}

// Runtime schedules extraction cycles and serves their results.
type Runtime struct {
	cfg       *config.Config
	store     *store.MemoryStore
	cycles    cycleRunner
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	mu              sync.RWMutex
	started         bool
	shuttingDown    bool
	cyclesCompleted int
	cancel          context.CancelFunc
	done            chan struct{}
	doneOnce        sync.Once

	// Now and Wait are injected for deterministic tests.
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

// NewRuntime creates a runtime that publishes into memStore.
func NewRuntime(cfg *config.Config, memStore *store.MemoryStore, cycles cycleRunner, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if memStore == nil {
		memStore = store.NewMemoryStore(cfg.Store.MaxSeriesBudget)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:       cfg,
		store:     memStore,
		cycles:    cycles,
		evaluator: health.NewStatusEvaluator(),
		logger:    logger,
		done:      make(chan struct{}),
		Now:       time.Now,
		Wait:      waitContext,
	}
}

// Store exposes the gauge store.
func (r *Runtime) Store() *store.MemoryStore {
	return r.store
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	metricsHandler := exporter.NewOpenMetricsHandler(r.store, scrape.MetricHelp)
	healthHandler := health.NewHandler(r)
	return NewHTTPHandler(metricsHandler, healthHandler)
}

// Start launches the extraction loop. The first cycle runs immediately.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cycles == nil {
		return fmt.Errorf("runtime has no extraction cycle runner")
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	if r.shuttingDown {
		r.mu.Unlock()
		return fmt.Errorf("runtime is shutting down")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	r.mu.Unlock()

	r.logger.Info(
		"starting extraction scheduler",
		zap.String("org", r.cfg.GitHub.Organization),
		zap.Duration("interval", r.interval()),
	)
	go r.run(loopCtx)
	return nil
}

// Stop prevents further cycles from being scheduled. A cycle already in
// flight keeps running until it finishes.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.shuttingDown = true
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		r.closeDone()
	}
	r.logger.Info("stopped extraction scheduler")
}

// Done is closed once the extraction loop has exited.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	r.mu.RLock()
	input := health.Input{
		SchedulerStarted: r.started,
		ShuttingDown:     r.shuttingDown,
		CyclesCompleted:  r.cyclesCompleted,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// RunCycle executes one extraction cycle. Failures and panics are logged and
// returned in the outcome; they never propagate to the caller.
func (r *Runtime) RunCycle(ctx context.Context) (outcome scrape.Outcome) {
	ctx, span := telemetry.Tracer("app").Start(ctx, "app.extraction_cycle",
		trace.WithAttributes(attribute.String("github.org", r.cfg.GitHub.Organization)),
	)
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.Err = fmt.Errorf("extraction cycle panicked: %v", recovered)
			r.logger.Error(
				"extraction cycle panicked",
				zap.String("org", r.cfg.GitHub.Organization),
				zap.Any("panic", recovered),
				zap.Stack("stack"),
			)
		}
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Err.Error())
		}
		span.End()

		r.mu.Lock()
		r.cyclesCompleted++
		r.mu.Unlock()
	}()

	outcome = r.cycles.RunCycle(ctx)
	if outcome.Err != nil {
		r.logger.Error(
			"extraction cycle failed",
			zap.String("org", outcome.Org),
			zap.Duration("duration", outcome.Duration),
			zap.Error(outcome.Err),
		)
		return outcome
	}
	r.logger.Debug(
		"extraction cycle completed",
		zap.String("org", outcome.Org),
		zap.Int("users_attributed", outcome.UsersAttributed),
		zap.Int("series", r.store.Len()),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome
}

func (r *Runtime) run(ctx context.Context) {
	defer r.closeDone()

	interval := r.interval()
	for {
		// Shutdown must not abort a cycle halfway through publishing.
		r.RunCycle(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			r.logger.Debug("extraction loop stopped")
			return
		}

		r.logger.Debug(
			"next extraction cycle scheduled",
			zap.Time("next_run", r.Now().Add(interval)),
			zap.Duration("delay", interval),
		)
		if err := r.Wait(ctx, interval); err != nil {
			r.logger.Debug("extraction loop stopped", zap.Error(err))
			return
		}
	}
}

func (r *Runtime) interval() time.Duration {
	if r.cfg.Extraction.Interval > 0 {
		return r.cfg.Extraction.Interval
	}
	return defaultExtractionInterval
}

func (r *Runtime) closeDone() {
	r.doneOnce.Do(func() {
		close(r.done)
	})
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
