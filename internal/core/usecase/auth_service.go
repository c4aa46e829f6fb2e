package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthService resolves a presented token to its key record for request
// authentication.
type AuthService struct {
	keys     *APIKeyService
	remember time.Duration
}

func NewAuthService(keys *APIKeyService, remember time.Duration) *AuthService {
	return &AuthService{keys: keys, remember: remember}
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.APIKey, error) {
	token = strings.TrimSpace(token)
	if !domain.ValidKeyFormat(token) {
		return domain.APIKey{}, ErrUnauthorized
	}

	apiKey, err := s.keys.GetByKey(ctx, token, s.remember)
	if err != nil {
		return domain.APIKey{}, err
	}
	if apiKey == nil {
		return domain.APIKey{}, ErrUnauthorized
	}
	return *apiKey, nil
}
