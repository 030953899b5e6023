// Package domain contains the durable record of inbound provider events.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one row of the idempotency ledger. EventID is the provider-assigned
// identifier; its uniqueness is what makes redelivery a no-op.
type Entry struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	EventID    string         `gorm:"type:text;not null;uniqueIndex:ux_event_ledger_event_id"`
	EventType  string         `gorm:"type:text;not null"`
	AccountID  string         `gorm:"type:text;not null;index"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	OccurredAt time.Time      `gorm:"not null"`
	ReceivedAt time.Time      `gorm:"not null"`
	Applied    bool           `gorm:"not null;default:false"`
	AppliedAt  *time.Time     `gorm:""`
	Error      *string        `gorm:"type:text"`
	Attempts   int            `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "event_ledger" }

type Repository interface {
	// Insert writes the entry unless one with the same EventID already
	// exists. Returns false when the event is a duplicate.
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, appliedAt time.Time, reason *string) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, errMsg string) error
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*Entry, error)
	// ListUnapplied returns entries awaiting replay, oldest first, skipping
	// rows that already burned maxAttempts.
	ListUnapplied(ctx context.Context, db *gorm.DB, limit, maxAttempts int) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("invalid_ledger_entry")
