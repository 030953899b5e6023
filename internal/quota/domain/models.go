// Package domain contains usage counters and trial allowances. Counters are
// period-scoped and only ever increase; a rollover starts a fresh row.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageCounter accumulates billable usage for one account, operation class
// and period. The (account, class, period) key is unique; consumption happens
// through a single conditional update, never read-then-write.
type UsageCounter struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	AccountID      string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_key,priority:1"`
	OperationClass string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_key,priority:2"`
	PeriodKey      string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_key,priority:3"`
	Count          int64        `gorm:"not null;default:0"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// TrialAllowance is the small non-resetting allowance granted to free-tier
// accounts per feature. It never resets; exhaustion is permanent until a
// plan upgrade.
type TrialAllowance struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	AccountID  string       `gorm:"type:text;not null;uniqueIndex:ux_trial_allowances_key,priority:1"`
	FeatureKey string       `gorm:"type:text;not null;uniqueIndex:ux_trial_allowances_key,priority:2"`
	Used       int          `gorm:"not null;default:0"`
	Cap        int          `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TrialAllowance) TableName() string { return "trial_allowances" }

// DefaultTrialCap is the allowance created on first use of a trial-gated
// feature.
const DefaultTrialCap = 2

type CheckRequest struct {
	AccountID      string
	OperationClass string
	Amount         int64
	// Bypass skips the limit check for elevated callers. Usage is still
	// recorded so bypassed consumption stays attributable.
	Bypass  bool
	ActorID string
}

type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Bypassed  bool      `json:"bypassed,omitempty"`
}

type TrialDecision struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Cap     int  `json:"cap"`
	// Exempt marks accounts whose plan is paid; the trial allowance does
	// not apply to them.
	Exempt bool `json:"exempt,omitempty"`
}

type Service interface {
	// CheckAndConsume answers whether the account may perform `amount` more
	// units of the operation class this period, and records the consumption
	// when allowed. The check and the increment are one atomic operation.
	CheckAndConsume(ctx context.Context, req CheckRequest) (Decision, error)
	// CheckTrial consumes one unit of the non-expiring trial allowance.
	// Only meaningful while the account's resolved plan is free.
	CheckTrial(ctx context.Context, accountID, featureKey string) (TrialDecision, error)
}

var (
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidOperationClass = errors.New("invalid_operation_class")
	ErrInvalidFeatureKey     = errors.New("invalid_feature_key")
	ErrInvalidAmount         = errors.New("invalid_amount")
)
