package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDCtxKey ctxKey = "request_id"

// requestID tags each request with the caller's X-Request-ID or a fresh
// UUIDv7.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDCtxKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			level := zap.InfoLevel
			switch {
			case sw.status >= 500:
				level = zap.ErrorLevel
			case sw.status >= 400:
				level = zap.WarnLevel
			}
			logger.Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestIDFromContext(r.Context())),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// limitByKey applies a sliding-window budget per authenticated key. The
// budget scales with the key's level; keys that ignore limits skip it.
func (h *Handler) limitByKey(next http.Handler) http.Handler {
	if h.rateLimit <= 0 {
		return next
	}

	limited := httprate.Limit(h.rateLimit, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			apiKey, _ := apiKeyFromContext(r.Context())
			return strconv.FormatInt(apiKey.ID, 10), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := apiKeyFromContext(r.Context())
		if !ok || apiKey.IgnoreLimits {
			next.ServeHTTP(w, r)
			return
		}
		ctx := httprate.WithRequestLimit(r.Context(), levelLimit(h.rateLimit, apiKey.Level))
		limited.ServeHTTP(w, r.WithContext(ctx))
	})
}

func levelLimit(base, level int) int {
	limit := base * level / 10
	if limit < 1 {
		return 1
	}
	return limit
}
