package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
	"github.com/atvirokodosprendimai/keyguard/internal/observability"
	"go.uber.org/zap"
)

const DefaultMaxGenerateAttempts = 10

// KeyGenerator draws 40-character hex tokens and rejects any token that was
// ever issued, soft deleted rows included.
type KeyGenerator struct {
	store       ports.APIKeyStore
	entropy     io.Reader
	maxAttempts int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

type GeneratorOption func(*KeyGenerator)

// WithEntropy replaces crypto/rand as the token source.
func WithEntropy(r io.Reader) GeneratorOption {
	return func(g *KeyGenerator) {
		g.entropy = r
	}
}

func WithMaxAttempts(n int) GeneratorOption {
	return func(g *KeyGenerator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithGeneratorLogger(logger *zap.Logger) GeneratorOption {
	return func(g *KeyGenerator) {
		g.logger = logger
	}
}

func NewKeyGenerator(store ports.APIKeyStore, opts ...GeneratorOption) *KeyGenerator {
	g := &KeyGenerator{
		store:       store,
		entropy:     rand.Reader,
		maxAttempts: DefaultMaxGenerateAttempts,
		logger:      zap.NewNop(),
		metrics:     observability.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *KeyGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate, err := g.candidate()
		if err != nil {
			return "", err
		}
		g.metrics.GenerateAttempts.Inc()

		count, err := g.store.CountByKey(ctx, candidate)
		if err != nil {
			return "", domain.NewPersistenceError("count api keys", err)
		}
		if count == 0 {
			return candidate, nil
		}

		g.metrics.GenerateCollisions.Inc()
		g.logger.Warn("generated api key collides with an issued key", zap.Int("attempt", attempt))
	}

	g.metrics.GenerateExhausted.Inc()
	g.logger.Error("api key generation exhausted", zap.Int("attempts", g.maxAttempts))
	return "", fmt.Errorf("%w after %d attempts", domain.ErrKeyGenerationExhausted, g.maxAttempts)
}

func (g *KeyGenerator) candidate() (string, error) {
	buf := make([]byte, domain.KeyLength/2)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
