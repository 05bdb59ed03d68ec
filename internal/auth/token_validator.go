package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParameter = "access_token"

var (
	ErrMissingToken   = errors.New("token validator: token required")
	ErrInvalidToken   = errors.New("token validator: invalid token")
	ErrExpiredToken   = errors.New("token validator: token expired")
	ErrMissingSubject = errors.New("token validator: subject required")
)

// TokenValidatorConfig describes how to validate webhook tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// TokenValidator validates HS256 tokens minted by TokenIssuer.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns its subject.
func (v *TokenValidator) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// ValidateRequest reads a bearer token from the Authorization header, or from
// the access_token query parameter for clients that cannot set headers, and
// validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", ErrMissingToken
		}
		return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	}
	return v.ValidateToken(r.URL.Query().Get(accessTokenQueryParameter))
}
