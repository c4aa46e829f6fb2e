package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat             = "2006-01-02T15:04:05.999999999Z07:00"
	apiKeyCtxKey    ctxKey = "api_key"
	maxJSONBodySize        = 1 << 20
)

var errForbidden = errors.New("forbidden")

type Handler struct {
	keys         *usecase.APIKeyService
	authService  *usecase.AuthService
	logger       *zap.Logger
	rateLimit    int
	createSchema *santhosh.Schema
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRateLimit sets the per-minute request budget of a level 10 key.
// Zero disables rate limiting.
func WithRateLimit(requestsPerMinute int) Option {
	return func(h *Handler) {
		h.rateLimit = requestsPerMinute
	}
}

func NewHandler(keys *usecase.APIKeyService, authService *usecase.AuthService, opts ...Option) *Handler {
	h := &Handler{
		keys:         keys,
		authService:  authService,
		logger:       zap.NewNop(),
		createSchema: santhosh.MustCompileString("create_key.json", createKeySchema),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Use(h.limitByKey)

		pr.Get("/v1/keys/me", h.me)
		pr.Post("/v1/keys", h.createKey)
		pr.Post("/v1/keys:generate", h.generateKey)
		pr.Get("/v1/keys/{id}", h.getKey)
		pr.Delete("/v1/keys/{id}", h.revokeKey)
	})

	return r
}

type createKeyRequest struct {
	UserID       *int64 `json:"user_id"`
	Level        *int   `json:"level"`
	IgnoreLimits bool   `json:"ignore_limits"`
}

type keyResponse struct {
	ID           int64  `json:"id"`
	UserID       *int64 `json:"user_id"`
	Key          string `json:"key"`
	Level        int    `json:"level"`
	IgnoreLimits bool   `json:"ignore_limits"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	caller, _ := apiKeyFromContext(r.Context())
	writeJSON(w, http.StatusOK, toKeyResponse(caller, false))
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := validateBody(h.createSchema, raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req createKeyRequest
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	caller, _ := apiKeyFromContext(r.Context())
	userID := req.UserID
	if userID == nil {
		userID = caller.UserID
	}
	if !mayActFor(caller, userID) {
		handleDomainError(w, errForbidden)
		return
	}

	level := domain.DefaultLevel
	if req.Level != nil {
		level = *req.Level
	} else if caller.UserID != nil && caller.Level < level {
		level = caller.Level
	}
	if !mayGrant(caller, level, req.IgnoreLimits) {
		handleDomainError(w, errForbidden)
		return
	}

	created, err := h.keys.Make(r.Context(), userID,
		usecase.WithLevel(level),
		usecase.WithIgnoreLimits(req.IgnoreLimits))
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toKeyResponse(created, true))
}

func (h *Handler) generateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GenerateKey(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := h.ownedKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(apiKey, false))
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := h.ownedKey(w, r)
	if !ok {
		return
	}
	if err := h.keys.Revoke(r.Context(), apiKey); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// ownedKey resolves the {id} path parameter for the user named by the
// user_id query parameter, defaulting to the caller's own user.
func (h *Handler) ownedKey(w http.ResponseWriter, r *http.Request) (domain.APIKey, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return domain.APIKey{}, false
	}

	caller, _ := apiKeyFromContext(r.Context())
	userID := caller.UserID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be integer")
			return domain.APIKey{}, false
		}
		userID = &parsed
	}
	if userID == nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return domain.APIKey{}, false
	}
	if !mayActFor(caller, userID) {
		handleDomainError(w, errForbidden)
		return domain.APIKey{}, false
	}

	apiKey, err := h.keys.GetByIDAndUserID(r.Context(), id, *userID)
	if err != nil {
		handleDomainError(w, err)
		return domain.APIKey{}, false
	}
	if apiKey == nil {
		handleDomainError(w, domain.ErrNotFound)
		return domain.APIKey{}, false
	}
	return *apiKey, true
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openapiSpec())
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		apiKey, err := h.authService.Authenticate(r.Context(), token)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyCtxKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// mayActFor reports whether caller may manage keys of userID. Unowned keys
// act for every user; owned keys only for their own.
func mayActFor(caller domain.APIKey, userID *int64) bool {
	if caller.UserID == nil {
		return true
	}
	return userID != nil && *userID == *caller.UserID
}

// mayGrant reports whether caller may issue a key with level and
// ignoreLimits. Owned keys cannot mint keys more privileged than themselves.
func mayGrant(caller domain.APIKey, level int, ignoreLimits bool) bool {
	if caller.UserID == nil {
		return true
	}
	if level > caller.Level {
		return false
	}
	return !ignoreLimits || caller.IgnoreLimits
}

func toKeyResponse(k domain.APIKey, revealSecret bool) keyResponse {
	key := k.Masked()
	if revealSecret {
		key = k.Key
	}
	return keyResponse{
		ID:           k.ID,
		UserID:       k.UserID,
		Key:          key,
		Level:        k.Level,
		IgnoreLimits: k.IgnoreLimits,
		CreatedAt:    k.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:    k.UpdatedAt.UTC().Format(timeFormat),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		zap.L().Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usecase.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "api key not found")
	case domain.IsPersistence(err):
		zap.L().Error("api key storage unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, domain.ErrKeyGenerationExhausted):
		zap.L().Error("api key generation exhausted", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not generate a unique key")
	default:
		zap.L().Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func apiKeyFromContext(ctx context.Context) (domain.APIKey, bool) {
	apiKey, ok := ctx.Value(apiKeyCtxKey).(domain.APIKey)
	return apiKey, ok
}

func openapiSpec() map[string]any {
	keyRef := map[string]any{"$ref": "#/components/schemas/APIKey"}
	secured := []map[string][]string{{"apiKey": {}}, {"bearer": {}}}
	idParam := map[string]any{"name": "id", "in": "path", "required": true, "schema": map[string]string{"type": "integer"}}
	userParam := map[string]any{"name": "user_id", "in": "query", "schema": map[string]string{"type": "integer"}}

	return map[string]any{
		"openapi": "3.0.3",
		"info":    map[string]string{"title": "keyguard", "version": "1.0.0"},
		"paths": map[string]any{
			"/healthz": map[string]any{"get": map[string]any{"responses": map[string]any{"200": map[string]string{"description": "ok"}}}},
			"/v1/keys/me": map[string]any{"get": map[string]any{
				"security":  secured,
				"responses": map[string]any{"200": map[string]any{"description": "authenticated key, secret masked", "content": jsonContent(keyRef)}},
			}},
			"/v1/keys": map[string]any{"post": map[string]any{
				"security":    secured,
				"requestBody": map[string]any{"content": jsonContent(map[string]any{"$ref": "#/components/schemas/CreateKey"})},
				"responses":   map[string]any{"201": map[string]any{"description": "created key, secret shown once", "content": jsonContent(keyRef)}},
			}},
			"/v1/keys:generate": map[string]any{"post": map[string]any{
				"security":  secured,
				"responses": map[string]any{"200": map[string]string{"description": "unused token, not persisted"}},
			}},
			"/v1/keys/{id}": map[string]any{
				"get": map[string]any{
					"security":   secured,
					"parameters": []any{idParam, userParam},
					"responses":  map[string]any{"200": map[string]any{"description": "key, secret masked", "content": jsonContent(keyRef)}, "404": map[string]string{"description": "not found"}},
				},
				"delete": map[string]any{
					"security":   secured,
					"parameters": []any{idParam, userParam},
					"responses":  map[string]any{"200": map[string]string{"description": "revoked"}, "404": map[string]string{"description": "not found"}},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"apiKey": map[string]string{"type": "apiKey", "in": "header", "name": "X-API-Key"},
				"bearer": map[string]string{"type": "http", "scheme": "bearer"},
			},
			"schemas": map[string]any{
				"CreateKey": json.RawMessage(createKeySchema),
				"APIKey": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":            map[string]string{"type": "integer"},
						"user_id":       map[string]any{"type": "integer", "nullable": true},
						"key":           map[string]string{"type": "string"},
						"level":         map[string]string{"type": "integer"},
						"ignore_limits": map[string]string{"type": "boolean"},
						"created_at":    map[string]string{"type": "string", "format": "date-time"},
						"updated_at":    map[string]string{"type": "string", "format": "date-time"},
					},
				},
			},
		},
	}
}

func jsonContent(schema any) map[string]any {
	return map[string]any{"application/json": map[string]any{"schema": schema}}
}
