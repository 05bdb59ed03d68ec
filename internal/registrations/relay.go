package registrations

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// DefaultTriggerField is the submission field that marks a registration attempt.
	DefaultTriggerField = "opcion"
	// DefaultTriggerValue is the trigger field value of a registration attempt.
	DefaultTriggerValue = "no_registrado_en_el_padr_n"
	// DefaultDedupeTTL bounds how long a delivered submission id is remembered.
	DefaultDedupeTTL = 10 * time.Minute
)

var submissionIDFields = []string{"_uuid", "meta/instanceID"}

var errMissingStore = errors.New("registrations: person store is required")

// PersonStore checks and appends people in the registration table.
type PersonStore interface {
	PersonLookup
	InsertRegistration(ctx context.Context, fields map[string]string) error
}

// AuditSink persists relay events.
type AuditSink interface {
	Record(ctx context.Context, event RelayEvent) error
}

// DecisionPublisher fans relay events out to live observers.
type DecisionPublisher interface {
	Publish(event RelayEvent)
}

// RelayConfig describes the collaborators of a Relay.
type RelayConfig struct {
	Store        PersonStore
	Audit        AuditSink
	Publisher    DecisionPublisher
	TriggerField string
	TriggerValue string
	NameSchemes  []NameScheme
	DedupeTTL    time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Relay turns webhook submissions into registration rows.
type Relay struct {
	store        PersonStore
	audit        AuditSink
	publisher    DecisionPublisher
	triggerField string
	triggerValue string
	schemes      []NameScheme
	recent       *cache.Cache
	dedupeTTL    time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	insertMu     sync.Mutex
}

// Outcome is the decision taken for one submission.
type Outcome struct {
	Decision     Decision
	SubmissionID string
	Label        string
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	triggerField := strings.TrimSpace(cfg.TriggerField)
	if triggerField == "" {
		triggerField = DefaultTriggerField
	}
	triggerValue := cfg.TriggerValue
	if triggerValue == "" {
		triggerValue = DefaultTriggerValue
	}
	schemes := cfg.NameSchemes
	if len(schemes) == 0 {
		schemes = DefaultNameSchemes
	}
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:        cfg.Store,
		audit:        cfg.Audit,
		publisher:    cfg.Publisher,
		triggerField: triggerField,
		triggerValue: triggerValue,
		schemes:      schemes,
		recent:       cache.New(dedupeTTL, 2*dedupeTTL),
		dedupeTTL:    dedupeTTL,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Handle decides what to do with one submission and applies it. The returned
// error is non-nil only for DecisionFailed and DecisionMissingFields.
func (r *Relay) Handle(ctx context.Context, payload map[string]any) (Outcome, error) {
	fields := StringifyFields(payload)
	outcome := Outcome{SubmissionID: submissionID(fields)}

	if fields[r.triggerField] != r.triggerValue {
		outcome.Decision = DecisionIgnored
		r.finish(ctx, outcome, nil)
		return outcome, nil
	}

	if outcome.SubmissionID != "" {
		if err := r.recent.Add(outcome.SubmissionID, struct{}{}, r.dedupeTTL); err != nil {
			outcome.Decision = DecisionDuplicateDelivery
			r.finish(ctx, outcome, nil)
			return outcome, nil
		}
	}

	record, scheme, err := matchScheme(fields, r.schemes)
	if err != nil {
		outcome.Decision = DecisionMissingFields
		r.finish(ctx, outcome, err)
		return outcome, err
	}
	outcome.Label = record.Label()

	decision, err := r.checkAndInsert(ctx, record.MatchKey(), registrationFields(fields, scheme, r.schemes))
	outcome.Decision = decision
	if err != nil {
		if outcome.SubmissionID != "" {
			r.recent.Delete(outcome.SubmissionID)
		}
		r.finish(ctx, outcome, err)
		return outcome, err
	}
	r.finish(ctx, outcome, nil)
	return outcome, nil
}

func (r *Relay) checkAndInsert(ctx context.Context, matchKey string, fields map[string]string) (Decision, error) {
	r.insertMu.Lock()
	defer r.insertMu.Unlock()

	exists, err := r.store.PersonExists(ctx, matchKey)
	if err != nil {
		return DecisionFailed, err
	}
	if exists {
		return DecisionExists, nil
	}
	if err := r.store.InsertRegistration(ctx, fields); err != nil {
		return DecisionFailed, err
	}
	return DecisionInserted, nil
}

func (r *Relay) finish(ctx context.Context, outcome Outcome, cause error) {
	event := RelayEvent{
		EventID:           uuid.NewString(),
		SubmissionID:      outcome.SubmissionID,
		Decision:          outcome.Decision,
		Label:             outcome.Label,
		ReceivedAtSeconds: r.clock().UTC().Unix(),
	}
	if cause != nil {
		event.Detail = cause.Error()
	}

	logFields := []zap.Field{
		zap.String("decision", string(outcome.Decision)),
		zap.String("submission_id", outcome.SubmissionID),
		zap.String("label", outcome.Label),
	}
	switch outcome.Decision {
	case DecisionFailed:
		r.logger.Error("registration relay failed", append(logFields, zap.Error(cause))...)
	case DecisionMissingFields:
		r.logger.Warn("registration attempt without name fields", logFields...)
	default:
		r.logger.Info("registration relay decision", logFields...)
	}

	if r.audit != nil {
		if err := r.audit.Record(ctx, event); err != nil {
			r.logger.Warn("failed to record relay event", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
}

// StringifyFields flattens a submission into string values. Nulls are dropped;
// nested values are rendered as compact JSON.
func StringifyFields(payload map[string]any) map[string]string {
	fields := make(map[string]string, len(payload))
	for key, value := range payload {
		switch typed := value.(type) {
		case nil:
			continue
		case string:
			fields[key] = typed
		case json.Number:
			fields[key] = typed.String()
		case float64:
			fields[key] = strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			fields[key] = strconv.FormatBool(typed)
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				continue
			}
			fields[key] = string(encoded)
		}
	}
	return fields
}

func submissionID(fields map[string]string) string {
	for _, name := range submissionIDFields {
		if value := strings.TrimSpace(fields[name]); value != "" {
			return value
		}
	}
	return ""
}
