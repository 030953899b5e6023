package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stencilworks/tally/internal/plan"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
)

type envelope struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Created   int64        `json:"created"`
	AccountID string       `json:"account_id"`
	Data      envelopeData `json:"data"`
}

type envelopeData struct {
	Object envelopeObject `json:"object"`
}

type envelopeObject struct {
	Plan              string `json:"plan"`
	Status            string `json:"status"`
	Trial             bool   `json:"trial"`
	SubscriptionRef   string `json:"subscription_ref"`
	PeriodStart       *int64 `json:"period_start"`
	PeriodEnd         *int64 `json:"period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

type overridePayload struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Created       int64  `json:"created"`
	AccountID     string `json:"account_id"`
	TargetStatus  string `json:"target_status"`
	TargetPlan    string `json:"target_plan"`
	GraceUntil    *int64 `json:"grace_until"`
	PeriodEnd     *int64 `json:"period_end"`
	Justification string `json:"justification"`
}

// ParseLedgerPayload rebuilds the typed event from a stored ledger payload so
// unapplied rows can be replayed. Both provider envelopes and override
// payloads round-trip through here.
func ParseLedgerPayload(payload []byte) (subscriptiondomain.Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}

	if subscriptiondomain.EventType(strings.TrimSpace(probe.Type)) != subscriptiondomain.EventManualOverride {
		return parseEnvelope(payload)
	}

	var ovr overridePayload
	if err := json.Unmarshal(payload, &ovr); err != nil {
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}
	ovr.ID = strings.TrimSpace(ovr.ID)
	ovr.AccountID = strings.TrimSpace(ovr.AccountID)
	if ovr.ID == "" || ovr.AccountID == "" || ovr.Created <= 0 {
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}

	event := subscriptiondomain.Event{
		EventID:       ovr.ID,
		Type:          subscriptiondomain.EventManualOverride,
		AccountID:     ovr.AccountID,
		OccurredAt:    time.Unix(ovr.Created, 0).UTC(),
		Origin:        subscriptiondomain.OriginAdmin,
		Status:        subscriptiondomain.Status(strings.TrimSpace(ovr.TargetStatus)),
		Plan:          plan.Tier(strings.TrimSpace(ovr.TargetPlan)),
		Justification: strings.TrimSpace(ovr.Justification),
	}
	if ovr.GraceUntil != nil {
		grace := time.Unix(*ovr.GraceUntil, 0).UTC()
		event.GraceUntil = &grace
	}
	if ovr.PeriodEnd != nil {
		end := time.Unix(*ovr.PeriodEnd, 0).UTC()
		event.PeriodEnd = &end
	}
	return event, nil
}

// parseEnvelope decodes a provider payload into the typed event the
// reconciler consumes. The provider timestamp comes from the envelope, never
// from receipt time.
func parseEnvelope(payload []byte) (subscriptiondomain.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}

	env.ID = strings.TrimSpace(env.ID)
	env.AccountID = strings.TrimSpace(env.AccountID)
	if env.ID == "" || env.AccountID == "" || env.Created <= 0 {
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}

	eventType := subscriptiondomain.EventType(strings.TrimSpace(env.Type))
	switch eventType {
	case subscriptiondomain.EventSubscriptionCreated,
		subscriptiondomain.EventSubscriptionUpdated,
		subscriptiondomain.EventSubscriptionDeleted,
		subscriptiondomain.EventPaymentSucceeded,
		subscriptiondomain.EventPaymentFailed:
	default:
		return subscriptiondomain.Event{}, webhookdomain.ErrMalformedEvent
	}

	object := env.Data.Object
	event := subscriptiondomain.Event{
		EventID:           env.ID,
		Type:              eventType,
		AccountID:         env.AccountID,
		OccurredAt:        time.Unix(env.Created, 0).UTC(),
		Origin:            subscriptiondomain.OriginProvider,
		Plan:              plan.Tier(strings.TrimSpace(object.Plan)),
		Status:            subscriptiondomain.Status(strings.TrimSpace(object.Status)),
		Trial:             object.Trial,
		ExternalRef:       strings.TrimSpace(object.SubscriptionRef),
		CancelAtPeriodEnd: object.CancelAtPeriodEnd,
	}
	if object.PeriodStart != nil {
		start := time.Unix(*object.PeriodStart, 0).UTC()
		event.PeriodStart = &start
	}
	if object.PeriodEnd != nil {
		end := time.Unix(*object.PeriodEnd, 0).UTC()
		event.PeriodEnd = &end
	}

	return event, nil
}
