package registrations

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Decision is the outcome of one webhook delivery.
type Decision string

const (
	DecisionIgnored           Decision = "ignored"
	DecisionDuplicateDelivery Decision = "duplicate_delivery"
	DecisionMissingFields     Decision = "missing_fields"
	DecisionExists            Decision = "exists"
	DecisionInserted          Decision = "inserted"
	DecisionFailed            Decision = "failed"
)

var errMissingDatabase = errors.New("registrations: database handle is required")

// RelayEvent is the audit row written for every delivery.
type RelayEvent struct {
	EventID           string   `gorm:"column:event_id;primaryKey;size:36"`
	SubmissionID      string   `gorm:"column:submission_id;size:190;index"`
	Decision          Decision `gorm:"column:decision;size:32;not null;index"`
	Label             string   `gorm:"column:label;size:512"`
	Detail            string   `gorm:"column:detail;size:1024"`
	ReceivedAtSeconds int64    `gorm:"column:received_at_s;not null;index"`
}

// TableName exposes the table backing relay events.
func (RelayEvent) TableName() string {
	return "relay_events"
}

// ReceivedAt returns the delivery time.
func (e RelayEvent) ReceivedAt() time.Time {
	return time.Unix(e.ReceivedAtSeconds, 0).UTC()
}

// AuditLog persists relay events through gorm.
type AuditLog struct {
	db *gorm.DB
}

// NewAuditLog constructs an AuditLog.
func NewAuditLog(db *gorm.DB) (*AuditLog, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &AuditLog{db: db}, nil
}

// Record stores one event.
func (l *AuditLog) Record(ctx context.Context, event RelayEvent) error {
	return l.db.WithContext(ctx).Create(&event).Error
}

// Recent returns the latest events, newest first.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]RelayEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []RelayEvent
	err := l.db.WithContext(ctx).
		Order("received_at_s DESC").
		Order("event_id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
