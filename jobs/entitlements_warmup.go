package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
)

// DefaultWarmupConcurrency bounds parallel fetches within one warmup run.
const DefaultWarmupConcurrency = 4

const scopeTimeout = 20 * time.Second

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// EntitlementSource fetches a scope's entitlements from the business API.
type EntitlementSource interface {
	Entitlements(ctx context.Context, scopeID string) (*entitlements.Snapshot, error)
}

// EntitlementsWarmupJob refetches entitlement snapshots and writes them through
// the shared cache so dashboard processes warm-start from fresh slots.
type EntitlementsWarmupJob struct {
	Source        EntitlementSource
	Cache         *entitlements.Cache
	DefaultScopes []string
	Concurrency   int
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
	clock         func() time.Time
}

// NewEntitlementsWarmupJob wires dependencies for the warmup handler.
func NewEntitlementsWarmupJob(source EntitlementSource, cache *entitlements.Cache, defaultScopes []string, logger *slog.Logger, metrics *jobmetrics.Metrics) *EntitlementsWarmupJob {
	return &EntitlementsWarmupJob{
		Source:        source,
		Cache:         cache,
		DefaultScopes: dedupeScopes(defaultScopes),
		Concurrency:   DefaultWarmupConcurrency,
		Logger:        logger,
		Metrics:       metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes entitlement warmup tasks.
func (j *EntitlementsWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil || j.Cache == nil {
		return errors.New("entitlements warmup: handler not configured")
	}
	var payload EntitlementsWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	scopes := dedupeScopes(payload.ScopeIDs)
	if len(scopes) == 0 {
		scopes = j.DefaultScopes
	}

	tracker := j.metrics().Track(TaskEntitlementsWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if len(scopes) == 0 {
		logger.Info("no scopes configured for warmup")
		return nil
	}

	start := j.now()
	warmed, failed, err := j.Warm(ctx, scopes)
	j.metrics().AddScopes("warmed", warmed)
	j.metrics().AddScopes("failed", failed)
	if err != nil {
		resultErr = err
		logger.Error("entitlements warmup", slog.Int("warmed", warmed), slog.Int("failed", failed), slog.Any("error", err))
		return resultErr
	}
	logger.Info("completed entitlements warmup", slog.Int("scopes", warmed), slog.Duration("duration", j.now().Sub(start)))
	return resultErr
}

// Warm fetches and caches every scope. One scope failing does not stop the
// others; the first failure is returned once all have finished.
func (j *EntitlementsWarmupJob) Warm(ctx context.Context, scopes []string) (warmed, failed int, err error) {
	limit := j.Concurrency
	if limit <= 0 {
		limit = DefaultWarmupConcurrency
	}
	results := make([]error, len(scopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, scopeID := range scopes {
		g.Go(func() error {
			results[i] = j.warmScope(gctx, scopeID)
			return nil
		})
	}
	_ = g.Wait()

	for i, scopeErr := range results {
		if scopeErr == nil {
			warmed++
			continue
		}
		failed++
		j.logger().Warn("warm scope", slog.String("scope_id", scopes[i]), slog.Any("error", scopeErr))
		if err == nil {
			err = scopeErr
		}
	}
	return warmed, failed, err
}

func (j *EntitlementsWarmupJob) warmScope(ctx context.Context, scopeID string) error {
	scopeCtx, cancel := context.WithTimeout(ctx, scopeTimeout)
	defer cancel()

	snap, err := j.Source.Entitlements(scopeCtx, scopeID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", scopeID, err)
	}
	if snap == nil {
		snap = entitlements.NewSnapshot(scopeID, nil, nil, nil, j.now())
	}
	if err := j.Cache.Put(ctx, snap); err != nil {
		return fmt.Errorf("cache %s: %w", scopeID, err)
	}
	return nil
}

func (j *EntitlementsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskEntitlementsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskEntitlementsWarmup))
}

func (j *EntitlementsWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *EntitlementsWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
