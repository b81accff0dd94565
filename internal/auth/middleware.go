package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
	"github.com/zhouzirui/mission-mentor/backend/pkg/utils"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the identity placed by Authenticate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Authenticate verifies the bearer token on every request. Roles are always
// derived from the verified claims, never from client-supplied fields.
func Authenticate(v Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				utils.RespondAppError(w, err)
				return
			}

			id, err := v.Verify(strings.TrimSpace(tokenString))
			if err != nil {
				logger.Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
				utils.RespondAppError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrades may pass access_token in the query.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if websocket.IsWebSocketUpgrade(r) {
			if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
				return token, nil
			}
		}
		return "", apperr.Auth("auth.Authenticate", "missing authorization header")
	}

	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header || strings.TrimSpace(tokenString) == "" {
		return "", apperr.Auth("auth.Authenticate", "invalid authorization header format")
	}
	return tokenString, nil
}

// RequireAdmin rejects callers whose verified claims are not administrative.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin {
			utils.RespondAppError(w, apperr.Auth("auth.RequireAdmin", "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTeam rejects callers whose team claim differs from the {param} route segment.
func RequireTeam(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			team := chi.URLParam(r, param)
			if !ok || team == "" || id.TeamID != team {
				utils.RespondAppError(w, apperr.Auth("auth.RequireTeam", "no access to this team"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
