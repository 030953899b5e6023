package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/cache"
	"github.com/stencilworks/tally/internal/clock"
	obsmetrics "github.com/stencilworks/tally/internal/observability/metrics"
	"github.com/stencilworks/tally/internal/plan"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository
	Cache   cache.EntitlementCache[subscriptiondomain.Subscription]
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	cache   cache.EntitlementCache[subscriptiondomain.Subscription]
	metrics *obsmetrics.Metrics
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.reconciler"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		cache:   p.Cache,
		metrics: p.Metrics,
	}
}

// Apply runs one event through the state machine inside a transaction that
// locks the aggregate row. Events whose provider timestamp does not advance
// the watermark are rejected with ErrStaleEvent before any field changes.
func (s *Service) Apply(ctx context.Context, event subscriptiondomain.Event) (subscriptiondomain.Subscription, error) {
	if err := validateEvent(event); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now()
	var result subscriptiondomain.Subscription

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByAccountForUpdate(ctx, tx, event.AccountID)
		if err != nil {
			return err
		}

		created := false
		if sub == nil {
			switch event.Type {
			case subscriptiondomain.EventSubscriptionCreated, subscriptiondomain.EventManualOverride:
				sub = &subscriptiondomain.Subscription{
					ID:        s.genID.Generate(),
					AccountID: event.AccountID,
					Plan:      plan.TierFree,
					Status:    subscriptiondomain.StatusInactive,
					CreatedAt: now,
				}
				created = true
			default:
				return subscriptiondomain.ErrSubscriptionNotFound
			}
		}

		if sub.LastEventAt != nil && !event.OccurredAt.After(*sub.LastEventAt) {
			return subscriptiondomain.ErrStaleEvent
		}

		if err := applyEvent(sub, event); err != nil {
			return err
		}

		occurredAt := event.OccurredAt
		sub.LastEventAt = &occurredAt
		sub.UpdatedAt = now

		if created {
			if err := s.repo.Insert(ctx, tx, sub); err != nil {
				return err
			}
		} else if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}

		result = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.cache.Invalidate(event.AccountID)
	s.metrics.IncEvent(string(event.Type), obsmetrics.OutcomeApplied)
	s.log.Info("event applied",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("account_id", event.AccountID),
		zap.String("origin", string(event.Origin)),
		zap.String("status", string(result.Status)),
		zap.String("plan", string(result.Plan)),
	)

	return result, nil
}

func (s *Service) Get(ctx context.Context, accountID string) (subscriptiondomain.Subscription, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidAccount
	}
	sub, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) Overview(ctx context.Context, accountID string) (subscriptiondomain.Overview, error) {
	sub, err := s.Get(ctx, accountID)
	if err != nil {
		return subscriptiondomain.Overview{}, err
	}
	effective := sub.EffectivePlan(s.clock.Now())
	return subscriptiondomain.Overview{
		AccountID:        sub.AccountID,
		Plan:             sub.Plan,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		ToolsEntitlement: plan.Tools(effective),
	}, nil
}

func (s *Service) ResolvePlan(ctx context.Context, accountID string) (plan.Tier, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return plan.TierFree, subscriptiondomain.ErrInvalidAccount
	}

	if cached, ok := s.cache.Get(accountID); ok {
		return cached.EffectivePlan(s.clock.Now()), nil
	}

	sub, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return plan.TierFree, err
	}
	if sub == nil {
		return plan.TierFree, nil
	}

	s.cache.Set(accountID, *sub)
	return sub.EffectivePlan(s.clock.Now()), nil
}

func validateEvent(event subscriptiondomain.Event) error {
	if strings.TrimSpace(event.AccountID) == "" {
		return subscriptiondomain.ErrInvalidAccount
	}
	if event.OccurredAt.IsZero() {
		return subscriptiondomain.ErrInvalidEvent
	}

	switch event.Type {
	case subscriptiondomain.EventSubscriptionCreated,
		subscriptiondomain.EventSubscriptionUpdated,
		subscriptiondomain.EventSubscriptionDeleted,
		subscriptiondomain.EventPaymentSucceeded,
		subscriptiondomain.EventPaymentFailed:
		return nil
	case subscriptiondomain.EventManualOverride:
		if strings.TrimSpace(event.Justification) == "" {
			return subscriptiondomain.ErrMissingJustification
		}
		if !isValidStatus(event.Status) {
			return subscriptiondomain.ErrInvalidTargetStatus
		}
		if event.Plan != "" && !plan.Valid(event.Plan) {
			return subscriptiondomain.ErrInvalidTargetPlan
		}
		return nil
	default:
		return subscriptiondomain.ErrUnknownEventType
	}
}

func applyEvent(sub *subscriptiondomain.Subscription, event subscriptiondomain.Event) error {
	switch event.Type {
	case subscriptiondomain.EventSubscriptionCreated:
		sub.Status = subscriptiondomain.StatusActive
		if event.Trial {
			sub.Status = subscriptiondomain.StatusTrialing
		}
		if plan.Valid(event.Plan) {
			sub.Plan = event.Plan
		}
		if ref := strings.TrimSpace(event.ExternalRef); ref != "" {
			sub.ExternalRef = &ref
		}
		sub.CurrentPeriodStart = event.PeriodStart
		sub.CurrentPeriodEnd = event.PeriodEnd
		sub.CancelAtPeriodEnd = false

	case subscriptiondomain.EventSubscriptionUpdated:
		if plan.Valid(event.Plan) {
			sub.Plan = event.Plan
		}
		sub.CancelAtPeriodEnd = event.CancelAtPeriodEnd
		// A cancel-at-period-end update keeps the current status; the
		// demotion arrives later as subscription.deleted or falls out of
		// the period-boundary check.
		if isValidStatus(event.Status) &&
			!(event.Status == subscriptiondomain.StatusCanceled && event.CancelAtPeriodEnd) {
			sub.Status = event.Status
		}
		if event.PeriodStart != nil {
			sub.CurrentPeriodStart = event.PeriodStart
		}
		if event.PeriodEnd != nil {
			sub.CurrentPeriodEnd = event.PeriodEnd
		}
		if ref := strings.TrimSpace(event.ExternalRef); ref != "" {
			sub.ExternalRef = &ref
		}

	case subscriptiondomain.EventSubscriptionDeleted:
		sub.Status = subscriptiondomain.StatusCanceled
		sub.CancelAtPeriodEnd = false

	case subscriptiondomain.EventPaymentSucceeded:
		if event.PeriodStart != nil {
			sub.CurrentPeriodStart = event.PeriodStart
		}
		if event.PeriodEnd != nil {
			sub.CurrentPeriodEnd = event.PeriodEnd
		}
		if sub.Status == subscriptiondomain.StatusPastDue {
			sub.Status = subscriptiondomain.StatusActive
		}

	case subscriptiondomain.EventPaymentFailed:
		sub.Status = subscriptiondomain.StatusPastDue

	case subscriptiondomain.EventManualOverride:
		sub.Status = event.Status
		if event.Plan != "" {
			sub.Plan = event.Plan
		}
		if event.GraceUntil != nil {
			sub.GraceUntil = event.GraceUntil
		}
		if event.PeriodEnd != nil {
			sub.CurrentPeriodEnd = event.PeriodEnd
		}

	default:
		return subscriptiondomain.ErrUnknownEventType
	}

	return nil
}

func isValidStatus(status subscriptiondomain.Status) bool {
	switch status {
	case subscriptiondomain.StatusInactive,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		subscriptiondomain.StatusCanceled:
		return true
	default:
		return false
	}
}
