package repository

import (
	"context"
	"errors"
	"strings"

	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	if subscription == nil {
		return subscriptiondomain.ErrInvalidAccount
	}
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByAccount(ctx context.Context, db *gorm.DB, accountID string) (*subscriptiondomain.Subscription, error) {
	return r.find(ctx, db.WithContext(ctx), accountID)
}

func (r *repo) FindByAccountForUpdate(ctx context.Context, db *gorm.DB, accountID string) (*subscriptiondomain.Subscription, error) {
	q := db.WithContext(ctx)
	if supportsRowLocks(db) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(ctx, q, accountID)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	if subscription == nil || subscription.ID == 0 {
		return subscriptiondomain.ErrInvalidAccount
	}
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan = ?, status = ?, external_ref = ?, current_period_start = ?,
			current_period_end = ?, cancel_at_period_end = ?, grace_until = ?,
			last_event_at = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Plan,
		subscription.Status,
		subscription.ExternalRef,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.GraceUntil,
		subscription.LastEventAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) find(ctx context.Context, q *gorm.DB, accountID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := q.Where("account_id = ?", accountID).First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

// sqlite has no SELECT ... FOR UPDATE; its writer lock covers the transaction.
func supportsRowLocks(db *gorm.DB) bool {
	return !strings.EqualFold(db.Dialector.Name(), "sqlite")
}
