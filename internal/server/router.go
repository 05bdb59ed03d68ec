package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kobosync/internal/auth"
	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey    = "kobosync_subject"
	maxSubmissionBytes   = 1 << 20
	defaultHeartbeatTick = 25 * time.Second
)

var errMissingRelay = errors.New("registration relay dependency required")

// RegistrationRelay decides and applies one webhook submission.
type RegistrationRelay interface {
	Handle(ctx context.Context, payload map[string]any) (registrations.Outcome, error)
}

// RequestValidator authenticates webhook requests.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the webhook router. Tokens and Feed are optional: without
// Tokens the endpoint is open, without Feed no event stream is served.
type Dependencies struct {
	Relay          RegistrationRelay
	Tokens         RequestValidator
	Feed           *DecisionFeed
	AllowedOrigins []string
	HeartbeatEvery time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the registration webhook.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Relay == nil {
		return nil, errMissingRelay
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatEvery
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTick
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		relay:     deps.Relay,
		tokens:    deps.Tokens,
		feed:      deps.Feed,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	if deps.Tokens != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.POST("/", handler.handleSubmission)
	if deps.Feed != nil {
		protected.GET("/events", handler.handleEventStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	relay     RegistrationRelay
	tokens    RequestValidator
	feed      *DecisionFeed
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSubmission(c *gin.Context) {
	payload := decodeSubmission(c.Request.Body)

	outcome, err := h.relay.Handle(c.Request.Context(), payload)
	switch outcome.Decision {
	case registrations.DecisionIgnored:
		c.JSON(http.StatusOK, gin.H{"message": "Not a registration attempt"})
	case registrations.DecisionDuplicateDelivery:
		c.JSON(http.StatusOK, gin.H{"message": "Duplicate delivery"})
	case registrations.DecisionMissingFields:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing name fields"})
	case registrations.DecisionExists:
		c.JSON(http.StatusOK, gin.H{"message": "Entry exists"})
	case registrations.DecisionInserted:
		c.JSON(http.StatusCreated, gin.H{"message": "Registration added"})
	default:
		message := "registration failed"
		if err != nil {
			message = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// decodeSubmission reads a JSON object; anything else is treated as an empty submission.
func decodeSubmission(body io.Reader) map[string]any {
	payload := map[string]any{}
	if body == nil {
		return payload
	}
	data, err := io.ReadAll(io.LimitReader(body, maxSubmissionBytes))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return payload
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return map[string]any{}
	}
	return payload
}

type eventPayload struct {
	EventID      string `json:"event_id"`
	SubmissionID string `json:"submission_id,omitempty"`
	Decision     string `json:"decision"`
	Label        string `json:"label,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ReceivedAt   string `json:"received_at"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(feedEventDecision, eventPayload{
				EventID:      event.EventID,
				SubmissionID: event.SubmissionID,
				Decision:     string(event.Decision),
				Label:        event.Label,
				Detail:       event.Detail,
				ReceivedAt:   event.ReceivedAt().Format(time.RFC3339),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(feedEventHeartbeat, gin.H{"at": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
