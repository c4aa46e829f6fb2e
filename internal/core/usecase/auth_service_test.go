package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
)

func TestAuthServiceAuthenticateSuccess(t *testing.T) {
	store := &stubAPIKeyStore{findByKeyFn: func(_ context.Context, key string) (domain.APIKey, error) {
		if key != testToken {
			t.Fatalf("unexpected key: %s", key)
		}
		return domain.APIKey{ID: 4, Key: key, Level: domain.DefaultLevel, CreatedAt: time.Now()}, nil
	}}
	svc := NewAuthService(NewAPIKeyService(store), 0)

	got, err := svc.Authenticate(context.Background(), "  "+testToken+"\n")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != 4 {
		t.Fatalf("unexpected key id: %d", got.ID)
	}
}

func TestAuthServiceRejectsMalformedToken(t *testing.T) {
	store := &stubAPIKeyStore{}
	svc := NewAuthService(NewAPIKeyService(store, WithCache(newSpyCache())), time.Minute)

	for _, token := range []string{"", "short", "8F14E45FCEEA167A5A36DEDD4BEA2543A1B2C3D4", testToken + "0"} {
		_, err := svc.Authenticate(context.Background(), token)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
	if n := store.findByKeyCalls.Load(); n != 0 {
		t.Fatalf("malformed tokens reached the store %d times", n)
	}
}

func TestAuthServiceUnknownToken(t *testing.T) {
	svc := NewAuthService(NewAPIKeyService(&stubAPIKeyStore{}), 0)

	_, err := svc.Authenticate(context.Background(), testToken)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthServiceRevokedToken(t *testing.T) {
	deletedAt := time.Now()
	store := &stubAPIKeyStore{findByKeyFn: func(_ context.Context, key string) (domain.APIKey, error) {
		return domain.APIKey{ID: 1, Key: key, DeletedAt: &deletedAt}, nil
	}}
	svc := NewAuthService(NewAPIKeyService(store), 0)

	_, err := svc.Authenticate(context.Background(), testToken)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthServiceStoreFailureIsNotUnauthorized(t *testing.T) {
	store := &stubAPIKeyStore{findByKeyFn: func(context.Context, string) (domain.APIKey, error) {
		return domain.APIKey{}, errBackend
	}}
	svc := NewAuthService(NewAPIKeyService(store), 0)

	_, err := svc.Authenticate(context.Background(), testToken)
	if errors.Is(err, ErrUnauthorized) {
		t.Fatal("store failure reported as unauthorized")
	}
	if !domain.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
