package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "super-secret"

func newTestPair(t *testing.T, now time.Time, ttl time.Duration) (*TokenIssuer, *TokenValidator) {
	t.Helper()
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      ttl,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected issuer constructor error: %v", err)
	}
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected validator constructor error: %v", err)
	}
	return issuer, validator
}

func TestTokenIssuerIssuesWebhookTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, now, DefaultTokenTTL)

	tokenString, expiresAt, err := issuer.Issue(context.Background(), "kobo-rest-service")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(DefaultTokenTTL)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "kobo-rest-service" || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []TokenIssuerConfig{
		{Issuer: DefaultIssuer, Audience: DefaultAudience, TokenTTL: time.Minute},
		{SigningSecret: []byte("secret"), Audience: DefaultAudience, TokenTTL: time.Minute},
		{SigningSecret: []byte("secret"), Issuer: DefaultIssuer, Audience: " ", TokenTTL: time.Minute},
		{SigningSecret: []byte("secret"), Issuer: DefaultIssuer, Audience: DefaultAudience},
	}
	for index, cfg := range cases {
		if _, err := NewTokenIssuer(cfg); err == nil {
			t.Fatalf("case %d: expected constructor error", index)
		}
	}
}

func TestTokenValidatorAcceptsIssuedTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, now, time.Hour)

	tokenString, _, err := issuer.Issue(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "operator" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := validator.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := validator.ValidateToken(" "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenValidatorRejectsExpiredAndForeignTokens(t *testing.T) {
	issuedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, issuedAt, time.Minute)
	tokenString, _, err := issuer.Issue(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	_, later := newTestPair(t, issuedAt.Add(time.Hour), time.Minute)
	if _, err := later.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        DefaultIssuer,
		Audience:      "other-audience",
		Clock:         func() time.Time { return issuedAt },
	})
	if err != nil {
		t.Fatalf("unexpected validator constructor error: %v", err)
	}
	if _, err := foreign.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestTokenValidatorValidateRequest(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, now, time.Hour)
	tokenString, _, err := issuer.Issue(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest("POST", "/", nil)
	request.Header.Set("Authorization", "Bearer "+tokenString)
	if subject, err := validator.ValidateRequest(request); err != nil || subject != "operator" {
		t.Fatalf("expected header token to validate, got %q/%v", subject, err)
	}

	streamRequest := httptest.NewRequest("GET", "/events?access_token="+tokenString, nil)
	if _, err := validator.ValidateRequest(streamRequest); err != nil {
		t.Fatalf("expected query token to validate, got %v", err)
	}

	basic := httptest.NewRequest("POST", "/", nil)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected non-bearer header to be rejected, got %v", err)
	}
}
