package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/clock"
	"github.com/stencilworks/tally/internal/config"
	ledgerdomain "github.com/stencilworks/tally/internal/ledger/domain"
	obsmetrics "github.com/stencilworks/tally/internal/observability/metrics"
	"github.com/stencilworks/tally/internal/plan"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	LedgerRepo ledgerdomain.Repository
	Reconciler subscriptiondomain.Service
	AuditSvc   auditdomain.Service
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	ledgerRepo ledgerdomain.Repository
	reconciler subscriptiondomain.Service
	auditSvc   auditdomain.Service
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.ingest"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		ledgerRepo: p.LedgerRepo,
		reconciler: p.Reconciler,
		auditSvc:   p.AuditSvc,
		metrics:    p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (webhookdomain.Receipt, error) {
	secret := s.cfg.WebhookSecret
	if secret == "" {
		return webhookdomain.Receipt{}, webhookdomain.ErrMissingSecret
	}

	if err := verifySignature(secret, payload, signatureHeader, s.clock.Now(), s.cfg.WebhookTolerance); err != nil {
		s.metrics.IncEvent("unknown", obsmetrics.OutcomeRejected)
		return webhookdomain.Receipt{}, err
	}

	event, err := parseEnvelope(payload)
	if err != nil {
		s.metrics.IncEvent("unknown", obsmetrics.OutcomeRejected)
		s.log.Warn("malformed webhook payload", zap.Int("payload_bytes", len(payload)))
		return webhookdomain.Receipt{}, err
	}

	return s.submit(ctx, event, payload)
}

func (s *Service) SubmitOverride(ctx context.Context, req webhookdomain.OverrideRequest) (subscriptiondomain.Subscription, error) {
	now := s.clock.Now()
	event := subscriptiondomain.Event{
		EventID:       "ovr_" + ulid.Make().String(),
		Type:          subscriptiondomain.EventManualOverride,
		AccountID:     strings.TrimSpace(req.AccountID),
		OccurredAt:    now,
		Origin:        subscriptiondomain.OriginAdmin,
		Status:        subscriptiondomain.Status(strings.TrimSpace(req.TargetStatus)),
		Plan:          plan.Tier(strings.TrimSpace(req.TargetPlan)),
		GraceUntil:    req.GraceUntil,
		PeriodEnd:     req.PeriodEnd,
		Justification: strings.TrimSpace(req.Justification),
	}

	body := map[string]any{
		"id":            event.EventID,
		"type":          string(event.Type),
		"created":       now.Unix(),
		"account_id":    event.AccountID,
		"target_status": req.TargetStatus,
		"target_plan":   req.TargetPlan,
		"justification": event.Justification,
	}
	if req.GraceUntil != nil {
		body["grace_until"] = req.GraceUntil.Unix()
	}
	if req.PeriodEnd != nil {
		body["period_end"] = req.PeriodEnd.Unix()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	entry := &ledgerdomain.Entry{
		ID:         s.genID.Generate(),
		EventID:    event.EventID,
		EventType:  string(event.Type),
		AccountID:  event.AccountID,
		Payload:    datatypes.JSON(payload),
		OccurredAt: event.OccurredAt,
		ReceivedAt: now,
	}
	if _, err := s.ledgerRepo.Insert(ctx, s.db, entry); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	result, err := s.reconciler.Apply(ctx, event)
	if err != nil {
		// Overrides are synchronous: the caller sees the rejection, and
		// the ledger keeps the attempt with its error.
		_ = s.ledgerRepo.MarkFailed(ctx, s.db, entry.ID, err.Error())
		if errors.Is(err, subscriptiondomain.ErrStaleEvent) {
			s.metrics.IncEvent(string(event.Type), obsmetrics.OutcomeStale)
		}
		return subscriptiondomain.Subscription{}, err
	}

	if err := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), nil); err != nil {
		s.log.Warn("ledger mark applied failed", zap.String("event_id", event.EventID), zap.Error(err))
	}

	actorID := strings.TrimSpace(req.ActorID)
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	accountID := event.AccountID
	if err := s.auditSvc.Record(ctx, auditdomain.ActorTypeAdmin, actor, "subscription.override", "subscription", &accountID, map[string]any{
		"event_id":      event.EventID,
		"target_status": req.TargetStatus,
		"target_plan":   req.TargetPlan,
		"justification": event.Justification,
	}); err != nil {
		s.log.Warn("override audit failed", zap.String("event_id", event.EventID), zap.Error(err))
	}

	return result, nil
}

// submit ledgers one verified event and applies it. The delivery is
// acknowledged as soon as the ledger row is durable; a reconciliation
// failure is stored for the background sweep instead of being returned.
func (s *Service) submit(ctx context.Context, event subscriptiondomain.Event, payload []byte) (webhookdomain.Receipt, error) {
	now := s.clock.Now()
	entry := &ledgerdomain.Entry{
		ID:         s.genID.Generate(),
		EventID:    event.EventID,
		EventType:  string(event.Type),
		AccountID:  event.AccountID,
		Payload:    datatypes.JSON(payload),
		OccurredAt: event.OccurredAt,
		ReceivedAt: now,
	}

	inserted, err := s.ledgerRepo.Insert(ctx, s.db, entry)
	if err != nil {
		return webhookdomain.Receipt{}, err
	}
	if !inserted {
		s.metrics.IncEvent(string(event.Type), obsmetrics.OutcomeDuplicate)
		s.log.Info("duplicate event acknowledged", zap.String("event_id", event.EventID))
		return webhookdomain.Receipt{EventID: event.EventID, Duplicate: true}, nil
	}

	if _, err := s.reconciler.Apply(ctx, event); err != nil {
		if errors.Is(err, subscriptiondomain.ErrStaleEvent) {
			// Expected under redelivery; terminal, no replay.
			reason := subscriptiondomain.ErrStaleEvent.Error()
			if markErr := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), &reason); markErr != nil {
				s.log.Warn("ledger mark stale failed", zap.String("event_id", event.EventID), zap.Error(markErr))
			}
			s.metrics.IncEvent(string(event.Type), obsmetrics.OutcomeStale)
			s.log.Info("stale event discarded",
				zap.String("event_id", event.EventID),
				zap.String("account_id", event.AccountID),
				zap.Time("occurred_at", event.OccurredAt),
			)
			return webhookdomain.Receipt{EventID: event.EventID, Applied: false, Reason: reason}, nil
		}

		if markErr := s.ledgerRepo.MarkFailed(ctx, s.db, entry.ID, err.Error()); markErr != nil {
			s.log.Error("ledger mark failed errored", zap.String("event_id", event.EventID), zap.Error(markErr))
		}
		s.metrics.IncEvent(string(event.Type), obsmetrics.OutcomeFailed)
		s.log.Error("reconciliation deferred to sweep",
			zap.String("event_id", event.EventID),
			zap.String("account_id", event.AccountID),
			zap.Error(err),
		)
		return webhookdomain.Receipt{EventID: event.EventID, Applied: false, Reason: fmt.Sprintf("deferred: %s", err)}, nil
	}

	if err := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), nil); err != nil {
		s.log.Warn("ledger mark applied failed", zap.String("event_id", event.EventID), zap.Error(err))
	}

	return webhookdomain.Receipt{EventID: event.EventID, Applied: true}, nil
}
