package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) (bool, error) {
	if entry == nil || entry.EventID == "" {
		return false, domain.ErrInvalidEntry
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO event_ledger (
			id, event_id, event_type, account_id, payload,
			occurred_at, received_at, applied, applied_at, error, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		entry.ID,
		entry.EventID,
		entry.EventType,
		entry.AccountID,
		entry.Payload,
		entry.OccurredAt,
		entry.ReceivedAt,
		entry.Applied,
		entry.AppliedAt,
		entry.Error,
		entry.Attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, appliedAt time.Time, reason *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE event_ledger
		 SET applied = TRUE, applied_at = ?, error = ?
		 WHERE id = ?`,
		appliedAt,
		reason,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, errMsg string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE event_ledger
		 SET error = ?, attempts = attempts + 1
		 WHERE id = ?`,
		errMsg,
		id,
	).Error
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.Entry, error) {
	var item domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, account_id, payload,
			occurred_at, received_at, applied, applied_at, error, attempts
		 FROM event_ledger
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListUnapplied(ctx context.Context, db *gorm.DB, limit, maxAttempts int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, account_id, payload,
			occurred_at, received_at, applied, applied_at, error, attempts
		 FROM event_ledger
		 WHERE applied = FALSE AND attempts < ?
		 ORDER BY received_at ASC
		 LIMIT ?`,
		maxAttempts,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
