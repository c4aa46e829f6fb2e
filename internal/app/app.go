package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/keyguard/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/keyguard/internal/adapters/memcache"
	"github.com/atvirokodosprendimai/keyguard/internal/adapters/rediscache"
	sqliteadapter "github.com/atvirokodosprendimai/keyguard/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/keyguard/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
	"github.com/atvirokodosprendimai/keyguard/internal/core/usecase"
	"github.com/atvirokodosprendimai/keyguard/migrations"
)

const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Addr     string
	DBPath   string
	Cache    string
	RedisURL string
	// Remember is how long authentication lookups are served from the
	// cache. Zero always reads the store.
	Remember        time.Duration
	RateLimit       int
	BootstrapUserID int64
	Logger          *zap.Logger
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewKeyService opens and migrates the key database and builds the
// configured cache in front of it. The returned closer releases both.
func NewKeyService(ctx context.Context, cfg Config) (*usecase.APIKeyService, io.Closer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cache, cacheCloser, err := newCache(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store := sqliteadapter.NewAPIKeyRepository(db)
	svc := usecase.NewAPIKeyService(store,
		usecase.WithCache(cache),
		usecase.WithGenerator(usecase.NewKeyGenerator(store, usecase.WithGeneratorLogger(logger))),
		usecase.WithLogger(logger),
	)

	return svc, resourceCloser{closers: []io.Closer{cacheCloser, db}}, nil
}

func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, closer, err := NewKeyService(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.BootstrapUserID > 0 {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 5*time.Second)
		userID := cfg.BootstrapUserID
		created, err := keys.Make(bootstrapCtx, &userID)
		bootstrapCancel()
		if err != nil {
			_ = closer.Close()
			return nil, nil, fmt.Errorf("bootstrap api key: %w", err)
		}
		logger.Info("bootstrap api key created",
			zap.Int64("id", created.ID),
			zap.Int64("user_id", userID),
			zap.String("key", created.Key))
	}

	authService := usecase.NewAuthService(keys, cfg.Remember)
	handler := httpapi.NewHandler(keys, authService,
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.RateLimit),
	)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, closer, nil
}

func newCache(ctx context.Context, cfg Config) (ports.Cache, io.Closer, error) {
	switch cfg.Cache {
	case "", CacheNone:
		return nil, nil, nil
	case CacheMemory:
		c := memcache.New()
		return c, c, nil
	case CacheRedis:
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("redis cache requires a redis url")
		}
		c, err := rediscache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis cache: %w", err)
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache)
	}
}
