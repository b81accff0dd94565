package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

func newTestService() *Service {
	return NewService(config.AuthConfig{JWTSecret: "test-secret", Issuer: "mission-mentor", TokenTTL: time.Hour})
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := newTestService()
	token, expiry, err := svc.Issue(Identity{UserID: "u1", TeamID: "teamA"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, 5*time.Second)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", TeamID: "teamA"}, id)
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := newTestService()
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := svc.Issue(Identity{UserID: "u1", TeamID: "teamA"})
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAuth))
	assert.Equal(t, "token expired", apperr.MessageOf(err))
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	other := NewService(config.AuthConfig{JWTSecret: "other", Issuer: "mission-mentor"})
	token, _, err := other.Issue(Identity{UserID: "u1", IsAdmin: true})
	require.NoError(t, err)

	_, err = newTestService().Verify(token)
	assert.True(t, errors.Is(err, apperr.ErrAuth))
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{UserID: "u1", IsAdmin: true, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "mission-mentor",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newTestService().Verify(token)
	assert.True(t, errors.Is(err, apperr.ErrAuth))
}

func TestIssueRequiresTeamForMembers(t *testing.T) {
	_, _, err := newTestService().Issue(Identity{UserID: "u1"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestMiddlewareChain(t *testing.T) {
	svc := newTestService()
	r := chi.NewRouter()
	r.Use(Authenticate(svc, zap.NewNop()))
	r.With(RequireTeam("team")).Get("/teams/{team}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(id.UserID))
	})
	r.With(RequireAdmin).Get("/admin", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	member, _, err := svc.Issue(Identity{UserID: "u1", TeamID: "teamA"})
	require.NoError(t, err)
	admin, _, err := svc.Issue(Identity{UserID: "root", IsAdmin: true})
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"missing header", "/teams/teamA", "", http.StatusUnauthorized},
		{"matching team", "/teams/teamA", member, http.StatusOK},
		{"other team", "/teams/teamB", member, http.StatusUnauthorized},
		{"member on admin route", "/admin", member, http.StatusUnauthorized},
		{"admin route", "/admin", admin, http.StatusNoContent},
		{"garbage token", "/admin", "abc", http.StatusUnauthorized},
		{"query token without upgrade", "/teams/teamA?access_token=" + member, "", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, req)
			assert.Equal(t, tc.status, resp.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/teams/teamA?access_token="+member, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
