// Package memstore is a process-local APIKeyStore with the same soft delete
// and uniqueness rules as the SQLite store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
)

type Store struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]domain.APIKey
	byKey  map[string]int64
	now    func() time.Time
}

func New() *Store {
	return &Store{
		rows:  make(map[int64]domain.APIKey),
		byKey: make(map[string]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, key domain.NewAPIKey) (domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.APIKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key.Key]; exists {
		return domain.APIKey{}, fmt.Errorf("insert api key: %w", domain.ErrDuplicateKey)
	}

	s.nextID++
	now := s.now()
	row := domain.APIKey{
		ID:           s.nextID,
		UserID:       copyInt64(key.UserID),
		Key:          key.Key,
		Level:        key.Level,
		IgnoreLimits: key.IgnoreLimits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.rows[row.ID] = row
	s.byKey[row.Key] = row.ID
	return clone(row), nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.APIKey{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return domain.APIKey{}, domain.ErrNotFound
	}
	row := s.rows[id]
	if !row.Active() {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return clone(row), nil
}

func (s *Store) FindByIDAndUserID(ctx context.Context, id, userID int64) (domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.APIKey{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok || !row.Active() || row.UserID == nil || *row.UserID != userID {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return clone(row), nil
}

func (s *Store) CountByKey(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byKey[key]; ok {
		return 1, nil
	}
	return 0, nil
}

func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || !row.Active() {
		return nil
	}
	now := s.now()
	row.DeletedAt = &now
	row.UpdatedAt = now
	s.rows[id] = row
	return nil
}

func clone(row domain.APIKey) domain.APIKey {
	row.UserID = copyInt64(row.UserID)
	if row.DeletedAt != nil {
		at := *row.DeletedAt
		row.DeletedAt = &at
	}
	return row
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
