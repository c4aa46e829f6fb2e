package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	DefaultLevel = 10
	KeyLength    = 40
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateKey           = errors.New("duplicate api key")
	ErrKeyGenerationExhausted = errors.New("key generation exhausted")
)

var keyFormat = regexp.MustCompile(`^[0-9a-f]{40}$`)

type APIKey struct {
	ID           int64
	UserID       *int64
	Key          string
	Level        int
	IgnoreLimits bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Active reports whether the key has not been soft deleted.
func (k APIKey) Active() bool {
	return k.DeletedAt == nil
}

// Masked returns the key with all but the first 8 characters hidden.
func (k APIKey) Masked() string {
	if len(k.Key) <= 8 {
		return k.Key
	}
	return k.Key[:8] + "..."
}

// NewAPIKey carries the fields a store needs to insert a key row.
type NewAPIKey struct {
	UserID       *int64
	Key          string
	Level        int
	IgnoreLimits bool
}

func ValidKeyFormat(key string) bool {
	return keyFormat.MatchString(key)
}

// PersistenceError is returned when the backing store is unreachable or
// rejects a read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
