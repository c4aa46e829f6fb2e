package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
	"github.com/atvirokodosprendimai/keyguard/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	cacheKeyPrefix = "api_keys:"

	// DefaultComputeTimeout bounds a shared load. It runs detached from
	// any single caller so one caller giving up does not fail the others.
	DefaultComputeTimeout = 5 * time.Second
)

// CacheKey is the cache entry name for a presented token.
func CacheKey(key string) string {
	return cacheKeyPrefix + key
}

// ComputeFunc loads a value; found=false is a regular miss and is cached
// like any other result.
type ComputeFunc[T any] func(ctx context.Context) (value T, found bool, err error)

// Remember is a read-through cache in front of a ComputeFunc. The cache is
// best effort: backend failures are logged and the value is computed
// directly.
type Remember[T any] struct {
	cache          ports.Cache
	group          singleflight.Group
	computeTimeout time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
}

type rememberedValue[T any] struct {
	Found bool `json:"found"`
	Value T    `json:"value"`
}

func NewRemember[T any](cache ports.Cache, logger *zap.Logger) *Remember[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remember[T]{
		cache:          cache,
		computeTimeout: DefaultComputeTimeout,
		logger:         logger,
		metrics:        observability.DefaultMetrics(),
	}
}

// GetOrCompute returns the remembered result for cacheKey, computing and
// storing it for ttl on a miss. A ttl <= 0 skips the cache entirely.
func (r *Remember[T]) GetOrCompute(ctx context.Context, cacheKey string, ttl time.Duration, compute ComputeFunc[T]) (T, bool, error) {
	if ttl <= 0 || r.cache == nil {
		r.metrics.CacheResultsTotal.WithLabelValues("bypass").Inc()
		return compute(ctx)
	}

	if cached, ok := r.lookup(ctx, cacheKey); ok {
		r.metrics.CacheResultsTotal.WithLabelValues("hit").Inc()
		return cached.Value, cached.Found, nil
	}
	r.metrics.CacheResultsTotal.WithLabelValues("miss").Inc()

	ch := r.group.DoChan(cacheKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.computeTimeout)
		defer cancel()

		value, found, err := compute(loadCtx)
		if err != nil {
			return nil, err
		}
		result := rememberedValue[T]{Found: found, Value: value}
		r.store(loadCtx, cacheKey, ttl, result)
		return result, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		result := res.Val.(rememberedValue[T])
		return result.Value, result.Found, nil
	}
}

// Forget drops cacheKey from the backend and detaches any load in flight
// for it, so later callers start a fresh load. A load that was already
// reading can still store its result afterwards. Failures are logged only.
func (r *Remember[T]) Forget(ctx context.Context, cacheKey string) {
	r.group.Forget(cacheKey)
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.metrics.CacheResultsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("cache delete failed", zap.Error(err))
	}
}

func (r *Remember[T]) lookup(ctx context.Context, cacheKey string) (rememberedValue[T], bool) {
	var result rememberedValue[T]

	raw, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, ports.ErrCacheMiss) {
			r.metrics.CacheResultsTotal.WithLabelValues("error").Inc()
			r.logger.Warn("cache get failed, falling back to store", zap.Error(err))
		}
		return result, false
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		r.metrics.CacheResultsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("cache entry undecodable, recomputing", zap.Error(err))
		return result, false
	}
	return result, true
}

func (r *Remember[T]) store(ctx context.Context, cacheKey string, ttl time.Duration, result rememberedValue[T]) {
	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("cache entry unencodable", zap.Error(err))
		return
	}
	if err := r.cache.Set(ctx, cacheKey, raw, ttl); err != nil {
		r.metrics.CacheResultsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("cache set failed", zap.Error(err))
	}
}
