package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/cache"
	"github.com/stencilworks/tally/internal/clock"
	"github.com/stencilworks/tally/internal/plan"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	subscriptionrepo "github.com/stencilworks/tally/internal/subscription/repository"
	subscriptionservice "github.com/stencilworks/tally/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupSubscriptionDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE subscriptions (
			id BIGINT PRIMARY KEY,
			account_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT,
			current_period_start TIMESTAMP,
			current_period_end TIMESTAMP,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			grace_until TIMESTAMP,
			last_event_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_subscriptions_account ON subscriptions(account_id)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}

func newReconciler(t *testing.T, db *gorm.DB, clk clock.Clock) subscriptiondomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(30)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	return subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
		Cache: cache.NewEntitlementCache[subscriptiondomain.Subscription](),
	})
}

func TestApplyCreateThenRenew(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	sub, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:     "evt_create",
		Type:        subscriptiondomain.EventSubscriptionCreated,
		AccountID:   "acc_1",
		OccurredAt:  clk.Now(),
		Origin:      subscriptiondomain.OriginProvider,
		Plan:        plan.Tier2,
		ExternalRef: "sub_prov_1",
		PeriodStart: &periodStart,
		PeriodEnd:   &periodEnd,
	})
	if err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	if sub.Plan != plan.Tier2 {
		t.Fatalf("expected tier2, got %s", sub.Plan)
	}

	renewedStart := periodEnd
	renewedEnd := renewedStart.AddDate(0, 1, 0)
	sub, err = svc.Apply(ctx, subscriptiondomain.Event{
		EventID:     "evt_renew",
		Type:        subscriptiondomain.EventPaymentSucceeded,
		AccountID:   "acc_1",
		OccurredAt:  clk.Now().Add(time.Minute),
		Origin:      subscriptiondomain.OriginProvider,
		PeriodStart: &renewedStart,
		PeriodEnd:   &renewedEnd,
	})
	if err != nil {
		t.Fatalf("apply renew: %v", err)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(renewedEnd) {
		t.Fatalf("expected period end %v, got %v", renewedEnd, sub.CurrentPeriodEnd)
	}

	overview, err := svc.Overview(ctx, "acc_1")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Plan != plan.Tier2 {
		t.Fatalf("expected tier2 overview, got %s", overview.Plan)
	}
	if len(overview.ToolsEntitlement) == 0 {
		t.Fatal("expected tools entitlement for a paid plan")
	}
}

func TestApplyPaymentFailedKeepsPlanInGrace(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:     "evt_create",
		Type:        subscriptiondomain.EventSubscriptionCreated,
		AccountID:   "acc_grace",
		OccurredAt:  clk.Now(),
		Origin:      subscriptiondomain.OriginProvider,
		Plan:        plan.Tier1,
		PeriodStart: &periodStart,
		PeriodEnd:   &periodEnd,
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	clk.Advance(30 * 24 * time.Hour)
	sub, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_fail",
		Type:       subscriptiondomain.EventPaymentFailed,
		AccountID:  "acc_grace",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
	})
	if err != nil {
		t.Fatalf("apply payment_failed: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("expected past_due, got %s", sub.Status)
	}

	// Inside the grace window the paid plan still resolves.
	if got := sub.EffectivePlan(clk.Now()); got != plan.Tier1 {
		t.Fatalf("expected tier1 during grace, got %s", got)
	}

	// Past period_end plus the tolerance it degrades to free.
	clk.Advance(5 * 24 * time.Hour)
	if got := sub.EffectivePlan(clk.Now()); got != plan.TierFree {
		t.Fatalf("expected free after grace, got %s", got)
	}

	// Recovery restores active and advances the period.
	recoveredStart := periodEnd
	recoveredEnd := recoveredStart.AddDate(0, 1, 0)
	sub, err = svc.Apply(ctx, subscriptiondomain.Event{
		EventID:     "evt_recover",
		Type:        subscriptiondomain.EventPaymentSucceeded,
		AccountID:   "acc_grace",
		OccurredAt:  clk.Now(),
		Origin:      subscriptiondomain.OriginProvider,
		PeriodStart: &recoveredStart,
		PeriodEnd:   &recoveredEnd,
	})
	if err != nil {
		t.Fatalf("apply recovery: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active after recovery, got %s", sub.Status)
	}
}

func TestApplyStaleEventRejected(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	base := clk.Now()
	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_create",
		Type:       subscriptiondomain.EventSubscriptionCreated,
		AccountID:  "acc_stale",
		OccurredAt: base,
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier3,
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_upgrade",
		Type:       subscriptiondomain.EventSubscriptionUpdated,
		AccountID:  "acc_stale",
		OccurredAt: base.Add(10 * time.Minute),
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier3,
		Status:     subscriptiondomain.StatusActive,
	}); err != nil {
		t.Fatalf("apply update: %v", err)
	}

	// A delayed delivery with an older provider timestamp must not regress
	// the aggregate.
	_, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_late",
		Type:       subscriptiondomain.EventSubscriptionUpdated,
		AccountID:  "acc_stale",
		OccurredAt: base.Add(5 * time.Minute),
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier1,
		Status:     subscriptiondomain.StatusActive,
	})
	if !errors.Is(err, subscriptiondomain.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}

	sub, err := svc.Get(ctx, "acc_stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Plan != plan.Tier3 {
		t.Fatalf("stale event mutated the aggregate: plan %s", sub.Plan)
	}

	// Equal timestamps are stale too.
	_, err = svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_dup_ts",
		Type:       subscriptiondomain.EventSubscriptionUpdated,
		AccountID:  "acc_stale",
		OccurredAt: base.Add(10 * time.Minute),
		Origin:     subscriptiondomain.OriginProvider,
		Status:     subscriptiondomain.StatusActive,
	})
	if !errors.Is(err, subscriptiondomain.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent for equal timestamp, got %v", err)
	}
}

func TestApplyCancelAtPeriodEnd(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	periodEnd := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_create",
		Type:       subscriptiondomain.EventSubscriptionCreated,
		AccountID:  "acc_cancel",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier2,
		PeriodEnd:  &periodEnd,
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	sub, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:           "evt_cancel",
		Type:              subscriptiondomain.EventSubscriptionUpdated,
		AccountID:         "acc_cancel",
		OccurredAt:        clk.Now().Add(time.Minute),
		Origin:            subscriptiondomain.OriginProvider,
		Status:            subscriptiondomain.StatusCanceled,
		CancelAtPeriodEnd: true,
	})
	if err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	// The plan stays in force until the period actually ends.
	if sub.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active until period end, got %s", sub.Status)
	}
	if got := sub.EffectivePlan(clk.Now()); got != plan.Tier2 {
		t.Fatalf("expected tier2 before period end, got %s", got)
	}

	clk.Advance(45 * 24 * time.Hour)
	if got := sub.EffectivePlan(clk.Now()); got != plan.TierFree {
		t.Fatalf("expected free after period end, got %s", got)
	}

	sub, err = svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_delete",
		Type:       subscriptiondomain.EventSubscriptionDeleted,
		AccountID:  "acc_cancel",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
	})
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatal("expected cancel_at_period_end cleared on delete")
	}
}

func TestApplyOverrideCreatesMissingAggregate(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	graceUntil := clk.Now().Add(14 * 24 * time.Hour)
	sub, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:       "evt_override",
		Type:          subscriptiondomain.EventManualOverride,
		AccountID:     "acc_new",
		OccurredAt:    clk.Now(),
		Origin:        subscriptiondomain.OriginAdmin,
		Status:        subscriptiondomain.StatusActive,
		Plan:          plan.Tier1,
		GraceUntil:    &graceUntil,
		Justification: "support ticket 4411, provider webhook outage",
	})
	if err != nil {
		t.Fatalf("apply override: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusActive || sub.Plan != plan.Tier1 {
		t.Fatalf("unexpected state %s/%s", sub.Status, sub.Plan)
	}
	if sub.GraceUntil == nil || !sub.GraceUntil.Equal(graceUntil) {
		t.Fatalf("expected grace_until %v, got %v", graceUntil, sub.GraceUntil)
	}
}

func TestApplyOverrideRequiresJustification(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)

	_, err := svc.Apply(context.Background(), subscriptiondomain.Event{
		EventID:    "evt_override",
		Type:       subscriptiondomain.EventManualOverride,
		AccountID:  "acc_x",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginAdmin,
		Status:     subscriptiondomain.StatusActive,
	})
	if !errors.Is(err, subscriptiondomain.ErrMissingJustification) {
		t.Fatalf("expected ErrMissingJustification, got %v", err)
	}
}

func TestApplyRejectsUnknownEventType(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)

	_, err := svc.Apply(context.Background(), subscriptiondomain.Event{
		EventID:    "evt_odd",
		Type:       subscriptiondomain.EventType("invoice.finalized"),
		AccountID:  "acc_x",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
	})
	if !errors.Is(err, subscriptiondomain.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestApplyOrphanUpdateNotFound(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)

	_, err := svc.Apply(context.Background(), subscriptiondomain.Event{
		EventID:    "evt_orphan",
		Type:       subscriptiondomain.EventSubscriptionUpdated,
		AccountID:  "acc_missing",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
		Status:     subscriptiondomain.StatusActive,
	})
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestResolvePlanDefaultsToFree(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)

	tier, err := svc.ResolvePlan(context.Background(), "acc_unknown")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tier != plan.TierFree {
		t.Fatalf("expected free for unknown account, got %s", tier)
	}
}

func TestResolvePlanSeesNewStateAfterApply(t *testing.T) {
	db := setupSubscriptionDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newReconciler(t, db, clk)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_create",
		Type:       subscriptiondomain.EventSubscriptionCreated,
		AccountID:  "acc_cache",
		OccurredAt: clk.Now(),
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier1,
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	// Warm the cache, then apply an upgrade; the invalidation on apply must
	// make the next resolve read the new plan.
	if tier, err := svc.ResolvePlan(ctx, "acc_cache"); err != nil || tier != plan.Tier1 {
		t.Fatalf("expected tier1, got %s err %v", tier, err)
	}

	if _, err := svc.Apply(ctx, subscriptiondomain.Event{
		EventID:    "evt_upgrade",
		Type:       subscriptiondomain.EventSubscriptionUpdated,
		AccountID:  "acc_cache",
		OccurredAt: clk.Now().Add(time.Minute),
		Origin:     subscriptiondomain.OriginProvider,
		Plan:       plan.Tier3,
		Status:     subscriptiondomain.StatusActive,
	}); err != nil {
		t.Fatalf("apply upgrade: %v", err)
	}

	tier, err := svc.ResolvePlan(ctx, "acc_cache")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tier != plan.Tier3 {
		t.Fatalf("expected tier3 after upgrade, got %s", tier)
	}
}
