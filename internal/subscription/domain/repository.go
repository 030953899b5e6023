package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByAccount(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)
	// FindByAccountForUpdate locks the aggregate row for the duration of the
	// surrounding transaction on backends that support row locks.
	FindByAccountForUpdate(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
