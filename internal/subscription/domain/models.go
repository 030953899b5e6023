// Package domain contains the subscription aggregate and the reconciler
// contract. The aggregate is the locally authoritative copy of provider
// state; the reconciler service is its only writer.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/plan"
)

// Status represents lifecycle states for a subscription aggregate.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// GraceTolerance is how far past current_period_end a past_due subscription
// keeps its plan when no explicit grace_until was granted.
const GraceTolerance = 72 * time.Hour

// Subscription is the aggregate for one account. LastEventAt is the
// provider-timestamp watermark; events at or before it are stale.
type Subscription struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	AccountID          string       `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_account"`
	Plan               plan.Tier    `gorm:"type:text;not null"`
	Status             Status       `gorm:"type:text;not null"`
	ExternalRef        *string      `gorm:"type:text"`
	CurrentPeriodStart *time.Time   `gorm:""`
	CurrentPeriodEnd   *time.Time   `gorm:""`
	CancelAtPeriodEnd  bool         `gorm:"not null;default:false"`
	GraceUntil         *time.Time   `gorm:""`
	LastEventAt        *time.Time   `gorm:""`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EffectivePlan resolves the plan entitlement checks should honor at a given
// instant. Canceled and inactive accounts resolve to free. A past_due account
// keeps its plan inside the grace window and degrades to free beyond it.
func (s Subscription) EffectivePlan(now time.Time) plan.Tier {
	switch s.Status {
	case StatusActive, StatusTrialing:
		// A cancellation scheduled at period end only takes effect once the
		// period is truly over; until then the plan stays in force.
		if s.CurrentPeriodEnd != nil && now.After(*s.CurrentPeriodEnd) {
			if s.CancelAtPeriodEnd {
				return plan.TierFree
			}
			if !s.withinGrace(now) {
				return plan.TierFree
			}
		}
		return s.Plan
	case StatusPastDue:
		if s.withinGrace(now) {
			return s.Plan
		}
		return plan.TierFree
	default:
		return plan.TierFree
	}
}

func (s Subscription) withinGrace(now time.Time) bool {
	if s.GraceUntil != nil {
		return !now.After(*s.GraceUntil)
	}
	if s.CurrentPeriodEnd != nil {
		return !now.After(s.CurrentPeriodEnd.Add(GraceTolerance))
	}
	return false
}
