package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atvirokodosprendimai/keyguard/internal/adapters/memstore"
	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/usecase"
)

type testEnv struct {
	router http.Handler
	keys   *usecase.APIKeyService
	admin  domain.APIKey
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	keys := usecase.NewAPIKeyService(memstore.New())
	admin, err := keys.Make(context.Background(), nil)
	if err != nil {
		t.Fatalf("make admin key: %v", err)
	}
	auth := usecase.NewAuthService(keys, 0)
	return &testEnv{router: NewHandler(keys, auth, opts...).Router(), keys: keys, admin: admin}
}

func (e *testEnv) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeKey(t *testing.T, rec *httptest.ResponseRecorder) keyResponse {
	t.Helper()
	var out keyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("unexpected request id: %q", got)
	}
}

func TestProtectedRouteWithoutAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/keys/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteWithMalformedKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/keys/me", "not-a-key", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMeMasksSecret(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/keys/me", env.admin.Key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeKey(t, rec)
	if got.ID != env.admin.ID {
		t.Fatalf("unexpected id: %d", got.ID)
	}
	if got.Key == env.admin.Key || !strings.HasPrefix(env.admin.Key, strings.TrimSuffix(got.Key, "...")) {
		t.Fatalf("secret not masked: %q", got.Key)
	}
}

func TestBearerToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.admin.Key)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateKeyDefaults(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/keys", env.admin.Key, `{"user_id":7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeKey(t, rec)
	if !domain.ValidKeyFormat(got.Key) {
		t.Fatalf("expected full secret in create response, got %q", got.Key)
	}
	if got.UserID == nil || *got.UserID != 7 {
		t.Fatalf("unexpected user id: %v", got.UserID)
	}
	if got.Level != domain.DefaultLevel || got.IgnoreLimits {
		t.Fatalf("unexpected defaults: level=%d ignore_limits=%v", got.Level, got.IgnoreLimits)
	}

	rec = env.do(t, http.MethodGet, "/v1/keys/me", got.Key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("new key does not authenticate: %d", rec.Code)
	}
}

func TestCreateKeyRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]string{
		"unknown field":  `{"user_id":1,"extra":1}`,
		"wrong type":     `{"level":"high"}`,
		"fractional":     `{"level":1.5}`,
		"negative user":  `{"user_id":-1}`,
		"trailing json":  `{"user_id":1} {}`,
		"not an object":  `[]`,
		"malformed json": `{"user_id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/keys", env.admin.Key, body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOwnedKeyCannotActForOtherUser(t *testing.T) {
	env := newTestEnv(t)
	owned, err := env.keys.Make(context.Background(), int64Ptr(1))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/keys", owned.Key, `{"user_id":2}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/keys", owned.Key, `{}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for own user, got %d", rec.Code)
	}
	if got := decodeKey(t, rec); got.UserID == nil || *got.UserID != 1 {
		t.Fatalf("expected key for caller's user, got %v", got.UserID)
	}
}

func TestGetKeyByIDAndUser(t *testing.T) {
	env := newTestEnv(t)
	made, err := env.keys.Make(context.Background(), int64Ptr(5))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/keys/%d?user_id=5", made.ID), env.admin.Key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeKey(t, rec); got.ID != made.ID || got.Key == made.Key {
		t.Fatalf("unexpected response: %+v", got)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/keys/%d?user_id=6", made.ID), env.admin.Key, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/keys/999?user_id=5", env.admin.Key, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetKeyBadParameters(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"/v1/keys/abc?user_id=1", "/v1/keys/0?user_id=1", "/v1/keys/1?user_id=x", "/v1/keys/1"} {
		rec := env.do(t, http.MethodGet, target, env.admin.Key, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestRevokeKey(t *testing.T) {
	env := newTestEnv(t)
	made, err := env.keys.Make(context.Background(), int64Ptr(3))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	target := fmt.Sprintf("/v1/keys/%d?user_id=3", made.ID)
	rec := env.do(t, http.MethodDelete, target, env.admin.Key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/keys/me", made.Key, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key still authenticates: %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, target, env.admin.Key, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second revoke, got %d", rec.Code)
	}
}

func TestGenerateKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/keys:generate", env.admin.Key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !domain.ValidKeyFormat(payload["key"]) {
		t.Fatalf("unexpected key: %q", payload["key"])
	}

	rec = env.do(t, http.MethodGet, "/v1/keys/me", payload["key"], "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("generated key must not be persisted, got %d", rec.Code)
	}
}

func TestRateLimitScalesWithLevel(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2))

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodGet, "/v1/keys/me", env.admin.Key, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/keys/me", env.admin.Key, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	doubled, err := env.keys.Make(context.Background(), nil, usecase.WithLevel(20))
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	for i := 0; i < 4; i++ {
		if rec := env.do(t, http.MethodGet, "/v1/keys/me", doubled.Key, ""); rec.Code != http.StatusOK {
			t.Fatalf("level 20 request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/keys/me", doubled.Key, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for level 20 key, got %d", rec.Code)
	}
}

func TestRateLimitSkippedForIgnoreLimits(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(1))
	unlimited, err := env.keys.Make(context.Background(), nil, usecase.WithIgnoreLimits(true))
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	for i := 0; i < 5; i++ {
		if rec := env.do(t, http.MethodGet, "/v1/keys/me", unlimited.Key, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestLevelLimit(t *testing.T) {
	cases := []struct{ base, level, want int }{
		{60, 10, 60},
		{60, 20, 120},
		{60, 5, 30},
		{60, 0, 1},
		{1, 1, 1},
	}
	for _, tc := range cases {
		if got := levelLimit(tc.base, tc.level); got != tc.want {
			t.Fatalf("levelLimit(%d, %d) = %d, want %d", tc.base, tc.level, got, tc.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "keyguard_") {
		t.Fatal("expected keyguard metrics in exposition")
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/openapi.json", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWriteJSONEncodeErrorHandled(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestHandleDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{usecase.ErrUnauthorized, http.StatusUnauthorized},
		{errForbidden, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.NewPersistenceError("find api key", errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w after 10 attempts", domain.ErrKeyGenerationExhausted), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleDomainError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
		var payload map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if payload["error"] == "" {
			t.Fatal("expected error message")
		}
	}
}

func TestOwnedKeyCannotEscalatePrivileges(t *testing.T) {
	env := newTestEnv(t)
	owned, err := env.keys.Make(context.Background(), int64Ptr(7))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	for _, body := range []string{`{"level":1000}`, `{"ignore_limits":true}`, `{"level":1000,"ignore_limits":true}`} {
		rec := env.do(t, http.MethodPost, "/v1/keys", owned.Key, body)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/keys", owned.Key, `{"level":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a lower level, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeKey(t, rec); got.Level != 5 || got.IgnoreLimits {
		t.Fatalf("unexpected key: %+v", got)
	}
}

func TestOwnedKeyDefaultsToOwnLowerLevel(t *testing.T) {
	env := newTestEnv(t)
	low, err := env.keys.Make(context.Background(), int64Ptr(4), usecase.WithLevel(3))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/keys", low.Key, `{}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeKey(t, rec); got.Level != 3 {
		t.Fatalf("expected inherited level 3, got %d", got.Level)
	}
}

func TestUnlimitedOwnedKeyMayGrantIgnoreLimits(t *testing.T) {
	env := newTestEnv(t)
	unlimited, err := env.keys.Make(context.Background(), int64Ptr(9), usecase.WithIgnoreLimits(true))
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/keys", unlimited.Key, `{"ignore_limits":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}
