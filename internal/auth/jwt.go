// Package auth issues and verifies the bearer credentials carried by API calls.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

// Identity is the decoded, verified caller.
type Identity struct {
	UserID  string `json:"userId"`
	TeamID  string `json:"team,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
}

// Verifier decodes a bearer token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims is the JWT payload.
type Claims struct {
	UserID  string `json:"userId"`
	Team    string `json:"teamName,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Service signs and validates HS256 tokens.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewService 创建JWT服务
func NewService(cfg config.AuthConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for id that expires after the configured TTL.
func (s *Service) Issue(id Identity) (string, time.Time, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, apperr.Validation("auth.Issue", "user id is required")
	}
	if !id.IsAdmin && strings.TrimSpace(id.TeamID) == "" {
		return "", time.Time{}, apperr.Validation("auth.Issue", "team is required for non-admin members")
	}

	now := s.now()
	expiry := now.Add(s.ttl)
	claims := &Claims{
		UserID:  id.UserID,
		Team:    id.TeamID,
		IsAdmin: id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify validates signature, issuer and expiry and returns the caller identity.
func (s *Service) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperr.Wrap(apperr.KindAuth, "auth.Verify", err, "token expired")
		}
		return Identity{}, apperr.Wrap(apperr.KindAuth, "auth.Verify", err, "invalid token")
	}
	if !token.Valid {
		return Identity{}, apperr.Auth("auth.Verify", "invalid token")
	}
	if claims.ExpiresAt == nil {
		return Identity{}, apperr.Auth("auth.Verify", "token has no expiry")
	}
	if claims.UserID == "" {
		return Identity{}, apperr.Auth("auth.Verify", "token has no user id")
	}

	return Identity{
		UserID:  claims.UserID,
		TeamID:  claims.Team,
		IsAdmin: claims.IsAdmin,
	}, nil
}
