package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kvmapd/kvmapd/internal/authtoken"
	"github.com/kvmapd/kvmapd/internal/logger"
)

type ctxKey int

const clientIDKey ctxKey = iota

// requestID stamps every request with a uuid and a logger scoped to it,
// mirroring the teacher's request-id middleware pattern.
func requestID(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			scoped := log.With(logger.RequestID(id))
			ctx := logger.ToContext(r.Context(), scoped)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accessLog records method/path/status/duration after the handler runs.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log := logger.From(r.Context())
		log.Info("http request",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(sw.status),
			logger.Duration(time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// bearerAuth requires a valid token minted by issuer on every request. When
// issuer is nil, auth is disabled (local/dev mode) and this is a no-op.
func bearerAuth(issuer *authtoken.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if issuer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			raw = strings.TrimPrefix(raw, "Bearer ")
			if raw == "" {
				writeError(w, errUnauthorized)
				return
			}
			claims, err := issuer.Verify(raw)
			if err != nil {
				writeError(w, errUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), clientIDKey, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(clientIDKey).(string)
	return v
}
