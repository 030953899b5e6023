// Package domain defines the ingest boundary for provider webhook events.
package domain

import (
	"context"
	"errors"
	"time"

	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
)

// Receipt reports what happened to one inbound delivery. Applied=false with
// a Reason means the event was ledgered but reconciliation is deferred to
// the background sweep.
type Receipt struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
	Reason    string `json:"reason,omitempty"`
}

// OverrideRequest is a manual correction entering through the admin gateway.
// It is converted to a synthetic manual.override event and recorded exactly
// like a provider delivery.
type OverrideRequest struct {
	AccountID     string     `json:"account_id"`
	TargetStatus  string     `json:"target_status"`
	TargetPlan    string     `json:"target_plan,omitempty"`
	GraceUntil    *time.Time `json:"grace_until,omitempty"`
	PeriodEnd     *time.Time `json:"period_end,omitempty"`
	Justification string     `json:"justification"`
	ActorID       string     `json:"-"`
}

type Service interface {
	// Ingest verifies, parses and ledgers one provider delivery. Signature
	// and parse failures return an error; reconciliation failures do not —
	// the delivery is acknowledged and replayed internally.
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (Receipt, error)
	// SubmitOverride routes an admin correction through the same ledger and
	// state machine as provider events. Stale overrides are rejected.
	SubmitOverride(ctx context.Context, req OverrideRequest) (subscriptiondomain.Subscription, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrMalformedEvent   = errors.New("malformed_event")
	ErrMissingSecret    = errors.New("webhook_secret_not_configured")
)
