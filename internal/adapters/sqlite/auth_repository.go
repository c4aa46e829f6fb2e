package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atvirokodosprendimai/keyguard/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
)

type apiKeyModel struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       *int64         `gorm:"column:user_id"`
	Key          string         `gorm:"column:key;not null;uniqueIndex"`
	Level        int            `gorm:"column:level;not null"`
	IgnoreLimits bool           `gorm:"column:ignore_limits;not null"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null"`
	DeletedAt    gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (apiKeyModel) TableName() string {
	return "api_keys"
}

// APIKeyRepository stores keys in the api_keys table. Default GORM scopes
// hide soft deleted rows; CountByKey opts out of them.
type APIKeyRepository struct {
	db *gormsqlite.DB
}

func NewAPIKeyRepository(db *gormsqlite.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, key domain.NewAPIKey) (domain.APIKey, error) {
	now := time.Now().UTC()
	model := apiKeyModel{
		UserID:       key.UserID,
		Key:          key.Key,
		Level:        key.Level,
		IgnoreLimits: key.IgnoreLimits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.APIKey{}, fmt.Errorf("insert api key: %w: %w", domain.ErrDuplicateKey, err)
		}
		return domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return toDomain(model), nil
}

func (r *APIKeyRepository) FindByKey(ctx context.Context, key string) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("key = ?", key).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("find api key: %w", err)
	}
	return toDomain(model), nil
}

func (r *APIKeyRepository) FindByIDAndUserID(ctx context.Context, id, userID int64) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("id = ? AND user_id = ?", id, userID).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("find api key by owner: %w", err)
	}
	return toDomain(model), nil
}

func (r *APIKeyRepository) CountByKey(ctx context.Context, key string) (int64, error) {
	var count int64
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Unscoped().Model(&apiKeyModel{}).Where("key = ?", key).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return count, nil
}

// SoftDelete stamps deleted_at on an active row. Rows that are already
// deleted or missing are left alone.
func (r *APIKeyRepository) SoftDelete(ctx context.Context, id int64) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Delete(&apiKeyModel{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("soft delete api key: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}

func toDomain(model apiKeyModel) domain.APIKey {
	key := domain.APIKey{
		ID:           model.ID,
		UserID:       model.UserID,
		Key:          model.Key,
		Level:        model.Level,
		IgnoreLimits: model.IgnoreLimits,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
	if model.DeletedAt.Valid {
		at := model.DeletedAt.Time
		key.DeletedAt = &at
	}
	return key
}
