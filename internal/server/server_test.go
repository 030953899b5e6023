package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/authorization"
	"github.com/stencilworks/tally/internal/cache"
	"github.com/stencilworks/tally/internal/clock"
	"github.com/stencilworks/tally/internal/config"
	ledgerrepo "github.com/stencilworks/tally/internal/ledger/repository"
	quotarepo "github.com/stencilworks/tally/internal/quota/repository"
	quotaservice "github.com/stencilworks/tally/internal/quota/service"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	subscriptionrepo "github.com/stencilworks/tally/internal/subscription/repository"
	subscriptionservice "github.com/stencilworks/tally/internal/subscription/service"
	"github.com/stencilworks/tally/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type noopAudit struct{}

func (noopAudit) Record(ctx context.Context, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAudit) List(ctx context.Context, filter auditdomain.ListFilter) ([]*auditdomain.AuditLog, error) {
	return nil, nil
}

type allowAllAuthz struct{}

func (allowAllAuthz) Authorize(ctx context.Context, actor string, object string, action string) error {
	return nil
}

func setupServerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE event_ledger (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			account_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			received_at TIMESTAMP NOT NULL,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at TIMESTAMP,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX ux_event_ledger_event_id ON event_ledger(event_id)`,
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
		`CREATE TABLE usage_counters (
			id BIGINT PRIMARY KEY,
			account_id TEXT NOT NULL,
			operation_class TEXT NOT NULL,
			period_key TEXT NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_usage_counters_key ON usage_counters(account_id, operation_class, period_key)`,
		`CREATE TABLE trial_allowances (
			id BIGINT PRIMARY KEY,
			account_id TEXT NOT NULL,
			feature_key TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			cap INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_trial_allowances_key ON trial_allowances(account_id, feature_key)`,
		`CREATE TABLE operator_roles (
			operator_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func newTestServer(t *testing.T, db *gorm.DB, clk clock.Clock) *Server {
	t.Helper()
	return newTestServerWithAuthz(t, db, clk, allowAllAuthz{})
}

func newTestServerWithAuthz(t *testing.T, db *gorm.DB, clk clock.Clock, authz authorization.Service) *Server {
	t.Helper()

	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(40)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{
		WebhookSecret:    testSecret,
		WebhookTolerance: 5 * time.Minute,
	}

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
		Cache: cache.NewEntitlementCache[subscriptiondomain.Subscription](),
	})

	webhookSvc := webhook.NewService(webhook.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cfg:        cfg,
		LedgerRepo: ledgerrepo.Provide(),
		Reconciler: subscriptionSvc,
		AuditSvc:   noopAudit{},
	})

	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          quotarepo.Provide(),
		Subscriptions: subscriptionSvc,
		Audit:         noopAudit{},
	})

	return NewServer(ServerParams{
		Gin:             NewEngine(),
		Cfg:             cfg,
		Log:             zap.NewNop(),
		WebhookSvc:      webhookSvc,
		SubscriptionSvc: subscriptionSvc,
		QuotaSvc:        quotaSvc,
		AuthzSvc:        authz,
		AuditSvc:        noopAudit{},
	})
}

func postWebhook(t *testing.T, s *Server, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set(HeaderSignature, header)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestWebhookAppliesEvent(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	occurred := clk.Now().Add(-time.Minute)
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"subscription.created","created":%d,"account_id":"acct_1","data":{"object":{"plan":"tier1","status":"active","subscription_ref":"sub_ext_1"}}}`,
		occurred.Unix(),
	))

	w := postWebhook(t, s, payload, webhook.SignPayload(testSecret, payload, clk.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data struct {
			EventID   string `json:"event_id"`
			Applied   bool   `json:"applied"`
			Duplicate bool   `json:"duplicate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Data.Applied || resp.Data.Duplicate {
		t.Fatalf("expected applied receipt, got %+v", resp.Data)
	}

	var planName string
	if err := db.Raw("SELECT plan FROM subscriptions WHERE account_id = ?", "acct_1").Scan(&planName).Error; err != nil {
		t.Fatalf("scan plan: %v", err)
	}
	if planName != "tier1" {
		t.Fatalf("expected plan tier1, got %s", planName)
	}
}

func TestWebhookDuplicateAcknowledged(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	occurred := clk.Now().Add(-time.Minute)
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"subscription.created","created":%d,"account_id":"acct_1","data":{"object":{"plan":"tier1","status":"active"}}}`,
		occurred.Unix(),
	))
	header := webhook.SignPayload(testSecret, payload, clk.Now())

	if w := postWebhook(t, s, payload, header); w.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", w.Code)
	}

	w := postWebhook(t, s, payload, header)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", w.Code)
	}

	var resp struct {
		Data struct {
			Duplicate bool `json:"duplicate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Data.Duplicate {
		t.Fatalf("expected duplicate receipt")
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM event_ledger").Scan(&count).Error; err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one ledger row, got %d", count)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	payload := []byte(`{"id":"evt_1","type":"subscription.created","created":1,"account_id":"acct_1"}`)

	w := postWebhook(t, s, payload, webhook.SignPayload("wrong_secret", payload, clk.Now()))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM event_ledger").Scan(&count).Error; err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no ledger rows, got %d", count)
	}
}

func TestQuotaCheckDeniedReturns429(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	// acct_1 has no aggregate so it resolves to free: 2 exports per period.
	body := []byte(`{"account_id":"acct_1","operation_class":"export"}`)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/quota/check", bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("check %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/quota/check", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error struct {
			Type      string `json:"type"`
			Remaining int64  `json:"remaining"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Type != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded, got %s", resp.Error.Type)
	}
}

func TestOverrideRequiresActor(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	body := []byte(`{"account_id":"acct_1","target_status":"active","target_plan":"tier1","justification":"support escalation"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/overrides", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOverrideAppliesAndReadsBack(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, db, clk)

	body := []byte(`{"account_id":"acct_1","target_status":"active","target_plan":"tier2","justification":"billing dispute resolved"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/overrides", bytes.NewReader(body))
	req.Header.Set(HeaderActor, "op_1")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	readReq := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/subscription", nil)
	readW := httptest.NewRecorder()
	s.engine.ServeHTTP(readW, readReq)
	if readW.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", readW.Code)
	}

	var resp struct {
		Data struct {
			Plan   string `json:"plan"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readW.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Plan != "tier2" || resp.Data.Status != "active" {
		t.Fatalf("expected tier2/active, got %+v", resp.Data)
	}
}

func newAuthzService(t *testing.T, db *gorm.DB) authorization.Service {
	t.Helper()

	enforcer, err := authorization.NewEnforcer(db)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	return authorization.NewService(authorization.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Enforcer: enforcer,
	})
}

// The same bare operator ID in the actor header must clear authorization on
// every protected route, so this one goes through the real role lookup
// instead of a stub.
func TestActorHeaderWorksAcrossProtectedRoutes(t *testing.T) {
	db := setupServerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	s := newTestServerWithAuthz(t, db, clk, newAuthzService(t, db))

	if err := db.Exec(
		`INSERT INTO operator_roles (operator_id, role, created_at) VALUES (?, 'admin', ?)`,
		"op_9", clk.Now(),
	).Error; err != nil {
		t.Fatalf("seed operator role: %v", err)
	}

	bypassBody := []byte(`{"account_id":"acct_1","operation_class":"export","bypass":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/quota/check", bytes.NewReader(bypassBody))
	req.Header.Set(HeaderActor, "op_9")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bypass: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	overrideBody := []byte(`{"account_id":"acct_1","target_status":"active","target_plan":"tier1","justification":"support escalation"}`)
	req = httptest.NewRequest(http.MethodPost, "/admin/overrides", bytes.NewReader(overrideBody))
	req.Header.Set(HeaderActor, "op_9")
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("override: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/quota/check", bytes.NewReader(bypassBody))
	req.Header.Set(HeaderActor, "op_unknown")
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unknown operator: expected 403, got %d: %s", w.Code, w.Body.String())
	}
}
