package ports

import (
	"context"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
)

// APIKeyStore persists API keys. Lookups only see active rows and report a
// miss as domain.ErrNotFound. CountByKey sees every row, including soft
// deleted ones.
type APIKeyStore interface {
	Create(ctx context.Context, key domain.NewAPIKey) (domain.APIKey, error)
	FindByKey(ctx context.Context, key string) (domain.APIKey, error)
	FindByIDAndUserID(ctx context.Context, id, userID int64) (domain.APIKey, error)
	CountByKey(ctx context.Context, key string) (int64, error)
	SoftDelete(ctx context.Context, id int64) error
}
