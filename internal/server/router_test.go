package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/kobosync/internal/auth"
	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubRelay struct {
	outcome  registrations.Outcome
	err      error
	received map[string]any
}

func (s *stubRelay) Handle(_ context.Context, payload map[string]any) (registrations.Outcome, error) {
	s.received = payload
	return s.outcome, s.err
}

type stubValidator struct {
	err error
}

func (s stubValidator) ValidateRequest(*http.Request) (string, error) {
	return "operator", s.err
}

func newTestHandler(t *testing.T, relay RegistrationRelay, tokens RequestValidator) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{Relay: relay, Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func TestHandleSubmissionMapsDecisions(t *testing.T) {
	cases := []struct {
		decision registrations.Decision
		err      error
		status   int
		key      string
		message  string
	}{
		{registrations.DecisionIgnored, nil, http.StatusOK, "message", "Not a registration attempt"},
		{registrations.DecisionDuplicateDelivery, nil, http.StatusOK, "message", "Duplicate delivery"},
		{registrations.DecisionMissingFields, registrations.ErrMissingNameFields, http.StatusBadRequest, "error", "Missing name fields"},
		{registrations.DecisionExists, nil, http.StatusOK, "message", "Entry exists"},
		{registrations.DecisionInserted, nil, http.StatusCreated, "message", "Registration added"},
		{registrations.DecisionFailed, errors.New("database: insert_registration: disk full"), http.StatusInternalServerError, "error", "database: insert_registration: disk full"},
	}
	for _, testCase := range cases {
		relay := &stubRelay{outcome: registrations.Outcome{Decision: testCase.decision}, err: testCase.err}
		handler := newTestHandler(t, relay, nil)

		request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"opcion":"x","edad":34}`))
		request.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		if recorder.Code != testCase.status {
			t.Fatalf("%s: expected status %d, got %d", testCase.decision, testCase.status, recorder.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: failed to decode body: %v", testCase.decision, err)
		}
		if body[testCase.key] != testCase.message {
			t.Fatalf("%s: unexpected body %v", testCase.decision, body)
		}
		if _, ok := relay.received["edad"].(json.Number); !ok {
			t.Fatalf("%s: expected numbers to be decoded as json.Number, got %T", testCase.decision, relay.received["edad"])
		}
	}
}

func TestHandleSubmissionTreatsInvalidJSONAsEmpty(t *testing.T) {
	relay := &stubRelay{outcome: registrations.Outcome{Decision: registrations.DecisionIgnored}}
	handler := newTestHandler(t, relay, nil)

	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if relay.received == nil || len(relay.received) != 0 {
		t.Fatalf("expected empty submission, got %#v", relay.received)
	}
}

func TestHealthzIsOpenWhenTokensRequired(t *testing.T) {
	relay := &stubRelay{}
	handler := newTestHandler(t, relay, stubValidator{err: auth.ErrMissingToken})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized submission, got %d", recorder.Code)
	}
	if relay.received != nil {
		t.Fatalf("relay must not run for unauthorized requests")
	}
}

func TestCORSMiddlewareAllowsAuthorizationHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://kf.kobotoolbox.org"}))
	router.POST("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/", http.NoBody)
	request.Header.Set("Origin", "https://kf.kobotoolbox.org")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://kf.kobotoolbox.org" {
		t.Fatalf("unexpected allowed origin %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubValidator{err: auth.ErrExpiredToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsInvalidTokenAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubValidator{err: auth.ErrInvalidToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning, got %v", entries)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestNewHTTPHandlerRequiresRelay(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingRelay) {
		t.Fatalf("expected missing relay error, got %v", err)
	}
}
