package domain

import (
	"time"

	"github.com/stencilworks/tally/internal/plan"
)

// EventType enumerates the provider lifecycle events the reconciler accepts.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventPaymentFailed       EventType = "invoice.payment_failed"
	// EventManualOverride is the synthetic type admin corrections enter
	// through. It follows the same ordering rule as provider events.
	EventManualOverride EventType = "manual.override"
)

// EventOrigin distinguishes provider deliveries from admin overrides in the
// audit trail; it has no effect on ordering.
type EventOrigin string

const (
	OriginProvider EventOrigin = "provider"
	OriginAdmin    EventOrigin = "admin"
)

// Event is a decoded lifecycle event ready for the state machine. Fields are
// populated per type: period and plan fields for created/updated, target
// state and justification for manual.override.
type Event struct {
	EventID    string
	Type       EventType
	AccountID  string
	OccurredAt time.Time
	Origin     EventOrigin

	Plan              plan.Tier
	Status            Status
	Trial             bool
	ExternalRef       string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool

	GraceUntil    *time.Time
	Justification string
}
