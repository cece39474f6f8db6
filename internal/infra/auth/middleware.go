package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

type ctxKey int

const runContextKey ctxKey = 0

// NewMiddleware verifies the request's bearer token and injects the
// resulting domain.RunContext, the (tenant, org, user, roles) tuple the
// PolicyEngine and Registry evaluate against. The token is read from the
// Authorization header or, failing that, an access_token query parameter,
// since EventSource cannot set custom headers on its subscribe request.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(token)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			rc := domain.RunContext{
				TenantID: claims.TenantID,
				OrgID:    claims.OrgID,
				UserID:   claims.UserID,
				Roles:    claims.Roles,
			}
			ctx := context.WithValue(r.Context(), runContextKey, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the RunContext NewMiddleware attached, or the zero
// value if none is present (e.g. in a test calling a handler directly).
func FromContext(ctx context.Context) domain.RunContext {
	rc, _ := ctx.Value(runContextKey).(domain.RunContext)
	return rc
}
