package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
	"github.com/atvirokodosprendimai/keyguard/internal/observability"
	"go.uber.org/zap"
)

// createAttempts bounds Make: one insert plus a single regeneration when
// the unique index on key rejects the first token.
const createAttempts = 2

type APIKeyService struct {
	store     ports.APIKeyStore
	generator *KeyGenerator
	remember  *Remember[domain.APIKey]
	logger    *zap.Logger
	metrics   *observability.Metrics
}

type serviceConfig struct {
	cache     ports.Cache
	generator *KeyGenerator
	logger    *zap.Logger
}

type ServiceOption func(*serviceConfig)

// WithCache enables remembering GetByKey results in cache.
func WithCache(cache ports.Cache) ServiceOption {
	return func(c *serviceConfig) {
		c.cache = cache
	}
}

func WithGenerator(g *KeyGenerator) ServiceOption {
	return func(c *serviceConfig) {
		c.generator = g
	}
}

func WithLogger(logger *zap.Logger) ServiceOption {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewAPIKeyService(store ports.APIKeyStore, opts ...ServiceOption) *APIKeyService {
	cfg := serviceConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.generator == nil {
		cfg.generator = NewKeyGenerator(store, WithGeneratorLogger(cfg.logger))
	}

	return &APIKeyService{
		store:     store,
		generator: cfg.generator,
		remember:  NewRemember[domain.APIKey](cfg.cache, cfg.logger),
		logger:    cfg.logger,
		metrics:   observability.DefaultMetrics(),
	}
}

// GetByKey returns the active key matching token, or nil when none does.
// A positive remember duration serves the result from the cache for that
// long, including a "not found" result; zero always reads the store.
func (s *APIKeyService) GetByKey(ctx context.Context, token string, remember time.Duration) (*domain.APIKey, error) {
	if token == "" {
		return nil, nil
	}

	apiKey, found, err := s.remember.GetOrCompute(ctx, CacheKey(token), remember, func(ctx context.Context) (domain.APIKey, bool, error) {
		k, err := s.store.FindByKey(ctx, token)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.APIKey{}, false, nil
			}
			return domain.APIKey{}, false, domain.NewPersistenceError("find api key by key", err)
		}
		return k, true, nil
	})
	if err != nil {
		s.metrics.LookupsTotal.WithLabelValues("by_key", "error").Inc()
		return nil, err
	}
	if !found || !apiKey.Active() {
		s.metrics.LookupsTotal.WithLabelValues("by_key", "miss").Inc()
		return nil, nil
	}

	s.metrics.LookupsTotal.WithLabelValues("by_key", "found").Inc()
	return &apiKey, nil
}

// GenerateKey returns a fresh token that has never been issued. It does not
// persist anything.
func (s *APIKeyService) GenerateKey(ctx context.Context) (string, error) {
	return s.generator.Generate(ctx)
}

type makeParams struct {
	level        int
	ignoreLimits bool
}

type MakeOption func(*makeParams)

func WithLevel(level int) MakeOption {
	return func(p *makeParams) {
		p.level = level
	}
}

func WithIgnoreLimits(ignore bool) MakeOption {
	return func(p *makeParams) {
		p.ignoreLimits = ignore
	}
}

// Make issues a new key for userID (nil for an unowned key). Level defaults
// to domain.DefaultLevel and limits are enforced unless WithIgnoreLimits is
// given.
func (s *APIKeyService) Make(ctx context.Context, userID *int64, opts ...MakeOption) (domain.APIKey, error) {
	params := makeParams{level: domain.DefaultLevel}
	for _, opt := range opts {
		opt(&params)
	}

	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		token, err := s.generator.Generate(ctx)
		if err != nil {
			return domain.APIKey{}, err
		}

		created, err := s.store.Create(ctx, domain.NewAPIKey{
			UserID:       userID,
			Key:          token,
			Level:        params.level,
			IgnoreLimits: params.ignoreLimits,
		})
		if err == nil {
			s.metrics.KeysCreatedTotal.Inc()
			s.logger.Info("api key created",
				zap.Int64("id", created.ID),
				zap.Int("level", created.Level),
				zap.Bool("ignore_limits", created.IgnoreLimits))
			return created, nil
		}
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return domain.APIKey{}, domain.NewPersistenceError("create api key", err)
		}

		lastErr = err
		s.logger.Warn("api key insert rejected by unique index, regenerating", zap.Int("attempt", attempt))
	}

	return domain.APIKey{}, domain.NewPersistenceError("create api key", lastErr)
}

func (s *APIKeyService) GetByIDAndUserID(ctx context.Context, id, userID int64) (*domain.APIKey, error) {
	apiKey, err := s.store.FindByIDAndUserID(ctx, id, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.LookupsTotal.WithLabelValues("by_id_and_user", "miss").Inc()
			return nil, nil
		}
		s.metrics.LookupsTotal.WithLabelValues("by_id_and_user", "error").Inc()
		return nil, domain.NewPersistenceError("find api key by id and user", err)
	}

	s.metrics.LookupsTotal.WithLabelValues("by_id_and_user", "found").Inc()
	return &apiKey, nil
}

// Revoke soft deletes key and evicts its remembered lookup so a shared
// cache stops serving it. A lookup that read the row before the delete may
// still store it once it finishes; that entry lives at most for the
// remember duration of that lookup.
func (s *APIKeyService) Revoke(ctx context.Context, key domain.APIKey) error {
	if err := s.store.SoftDelete(ctx, key.ID); err != nil {
		return domain.NewPersistenceError("soft delete api key", err)
	}
	s.remember.Forget(ctx, CacheKey(key.Key))

	s.metrics.KeysRevokedTotal.Inc()
	s.logger.Info("api key revoked", zap.Int64("id", key.ID))
	return nil
}
