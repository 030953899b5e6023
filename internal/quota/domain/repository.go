package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// EnsureCounter creates the (account, class, period) row if absent.
	EnsureCounter(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID, class, periodKey string) error

	// TryConsume adds amount to the counter only when the result stays
	// within limit. Returns true when the increment was applied.
	TryConsume(ctx context.Context, db *gorm.DB, accountID, class, periodKey string, amount, limit int64) (bool, error)

	// ForceConsume adds amount unconditionally. Used for bypassed calls so
	// the consumption is still attributed.
	ForceConsume(ctx context.Context, db *gorm.DB, accountID, class, periodKey string, amount int64) error

	// CurrentCount reads the counter value, zero when the row is absent.
	CurrentCount(ctx context.Context, db *gorm.DB, accountID, class, periodKey string) (int64, error)

	// EnsureAllowance creates the trial allowance row with the given cap if
	// absent. An existing row keeps its original cap.
	EnsureAllowance(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID, featureKey string, cap int) error

	// TryConsumeTrial increments used only while used < cap. Returns true
	// when a unit was consumed.
	TryConsumeTrial(ctx context.Context, db *gorm.DB, accountID, featureKey string) (bool, error)

	// FindAllowance reads the allowance row, nil when absent.
	FindAllowance(ctx context.Context, db *gorm.DB, accountID, featureKey string) (*TrialAllowance, error)
}
