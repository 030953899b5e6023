package domain

import (
	"context"
	"errors"
	"time"

	"github.com/stencilworks/tally/internal/plan"
)

// Overview is the read-only projection served to status endpoints.
type Overview struct {
	AccountID        string     `json:"account_id"`
	Plan             plan.Tier  `json:"plan"`
	Status           Status     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	ToolsEntitlement []string   `json:"tools_entitlement"`
}

// Service is the reconciler. Apply is the single write path for
// status/plan/period fields; everything else is read-only.
type Service interface {
	Apply(ctx context.Context, event Event) (Subscription, error)
	Get(ctx context.Context, accountID string) (Subscription, error)
	Overview(ctx context.Context, accountID string) (Overview, error)
	// ResolvePlan returns the plan entitlement checks should honor for the
	// account right now. Accounts with no aggregate resolve to free.
	ResolvePlan(ctx context.Context, accountID string) (plan.Tier, error)
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrUnknownEventType     = errors.New("unknown_event_type")
	ErrStaleEvent           = errors.New("stale_event")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTargetStatus  = errors.New("invalid_target_status")
	ErrInvalidTargetPlan    = errors.New("invalid_target_plan")
	ErrMissingJustification = errors.New("missing_justification")
)
