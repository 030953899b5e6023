package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/clock"
	obsmetrics "github.com/stencilworks/tally/internal/observability/metrics"
	"github.com/stencilworks/tally/internal/plan"
	"github.com/stencilworks/tally/internal/quota/domain"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Subscriptions subscriptiondomain.Service
	Audit         auditdomain.Service
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	subscriptions subscriptiondomain.Service
	audit         auditdomain.Service
	metrics       *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("quota.enforcer"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		audit:         p.Audit,
		metrics:       p.Metrics,
	}
}

// CheckAndConsume decides a single usage request against the account's
// current entitlement. The counter row is created lazily, then the increment
// runs as one conditional update so concurrent requests near the limit cannot
// both pass.
func (s *Service) CheckAndConsume(ctx context.Context, req domain.CheckRequest) (domain.Decision, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return domain.Decision{}, domain.ErrInvalidAccount
	}
	if req.OperationClass == "" {
		return domain.Decision{}, domain.ErrInvalidOperationClass
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 {
		return domain.Decision{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	periodKey := periodKey(now)
	resetAt := nextPeriodStart(now)

	tier, err := s.subscriptions.ResolvePlan(ctx, req.AccountID)
	if err != nil {
		return domain.Decision{}, err
	}

	limit, known := plan.LimitFor(tier, req.OperationClass)

	if req.Bypass {
		return s.consumeBypassed(ctx, req, periodKey, limit, resetAt)
	}

	if !known {
		// Unknown classes fail closed. No row is created for them.
		s.metrics.IncQuotaDecision(req.OperationClass, false)
		return domain.Decision{Allowed: false, Limit: 0, Remaining: 0, ResetAt: resetAt}, nil
	}

	if err := s.repo.EnsureCounter(ctx, s.db, s.genID.Generate(), req.AccountID, req.OperationClass, periodKey); err != nil {
		return domain.Decision{}, err
	}

	consumed, err := s.repo.TryConsume(ctx, s.db, req.AccountID, req.OperationClass, periodKey, req.Amount, limit)
	if err != nil {
		return domain.Decision{}, err
	}

	count, err := s.repo.CurrentCount(ctx, s.db, req.AccountID, req.OperationClass, periodKey)
	if err != nil {
		return domain.Decision{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	s.metrics.IncQuotaDecision(req.OperationClass, consumed)
	if !consumed {
		s.log.Info("quota denied",
			zap.String("account_id", req.AccountID),
			zap.String("operation_class", req.OperationClass),
			zap.Int64("limit", limit),
			zap.Int64("count", count),
		)
	}

	return domain.Decision{
		Allowed:   consumed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// consumeBypassed records usage without enforcing the limit and leaves an
// audit trail naming the actor.
func (s *Service) consumeBypassed(ctx context.Context, req domain.CheckRequest, periodKey string, limit int64, resetAt time.Time) (domain.Decision, error) {
	if err := s.repo.EnsureCounter(ctx, s.db, s.genID.Generate(), req.AccountID, req.OperationClass, periodKey); err != nil {
		return domain.Decision{}, err
	}
	if err := s.repo.ForceConsume(ctx, s.db, req.AccountID, req.OperationClass, periodKey, req.Amount); err != nil {
		return domain.Decision{}, err
	}

	count, err := s.repo.CurrentCount(ctx, s.db, req.AccountID, req.OperationClass, periodKey)
	if err != nil {
		return domain.Decision{}, err
	}

	var actorID *string
	if req.ActorID != "" {
		actorID = &req.ActorID
	}
	if err := s.audit.Record(ctx, auditdomain.ActorTypeAdmin, actorID, "quota.bypass", "usage_counter", &req.AccountID, map[string]any{
		"operation_class": req.OperationClass,
		"amount":          req.Amount,
		"count":           count,
	}); err != nil {
		s.log.Warn("audit record failed", zap.Error(err))
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	s.metrics.IncQuotaDecision(req.OperationClass, true)

	return domain.Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Bypassed:  true,
	}, nil
}

// CheckTrial consumes one unit of the permanent free-tier allowance. Paid
// plans are exempt; the allowance is neither consulted nor changed for them.
func (s *Service) CheckTrial(ctx context.Context, accountID, featureKey string) (domain.TrialDecision, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.TrialDecision{}, domain.ErrInvalidAccount
	}
	if featureKey == "" {
		return domain.TrialDecision{}, domain.ErrInvalidFeatureKey
	}

	tier, err := s.subscriptions.ResolvePlan(ctx, accountID)
	if err != nil {
		return domain.TrialDecision{}, err
	}
	if tier != plan.TierFree {
		return domain.TrialDecision{Allowed: true, Exempt: true}, nil
	}

	if err := s.repo.EnsureAllowance(ctx, s.db, s.genID.Generate(), accountID, featureKey, domain.DefaultTrialCap); err != nil {
		return domain.TrialDecision{}, err
	}

	consumed, err := s.repo.TryConsumeTrial(ctx, s.db, accountID, featureKey)
	if err != nil {
		return domain.TrialDecision{}, err
	}

	allowance, err := s.repo.FindAllowance(ctx, s.db, accountID, featureKey)
	if err != nil {
		return domain.TrialDecision{}, err
	}
	if allowance == nil {
		return domain.TrialDecision{}, gorm.ErrRecordNotFound
	}

	s.metrics.IncTrialDecision(featureKey, consumed)
	if !consumed {
		s.log.Info("trial exhausted",
			zap.String("account_id", accountID),
			zap.String("feature_key", featureKey),
			zap.Int("cap", allowance.Cap),
		)
	}

	return domain.TrialDecision{
		Allowed: consumed,
		Used:    allowance.Used,
		Cap:     allowance.Cap,
	}, nil
}

// periodKey buckets usage into UTC calendar months.
func periodKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

func nextPeriodStart(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
