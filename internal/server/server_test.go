package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"github.com/smallbiznis/botbilling/internal/lock"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	"github.com/smallbiznis/botbilling/internal/processor"
	"github.com/smallbiznis/botbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeEvents struct {
	lastIngest processor.IngestRequest
	result     processor.IngestResult
	ingestErr  error
	replayErr  error
	replayed   []string
}

func (f *fakeEvents) Ingest(ctx context.Context, req processor.IngestRequest) (processor.IngestResult, error) {
	f.lastIngest = req
	return f.result, f.ingestErr
}

func (f *fakeEvents) Replay(ctx context.Context, externalEventID string) error {
	f.replayed = append(f.replayed, externalEventID)
	return f.replayErr
}

type fakeSubscriptions struct {
	subscriptiondomain.Service
	access  map[plandomain.BotType]bool
	current *subscriptiondomain.Subscription
}

func (f *fakeSubscriptions) HasAccess(ctx context.Context, userID snowflake.ID, botType plandomain.BotType) (bool, error) {
	return f.access[botType], nil
}

func (f *fakeSubscriptions) Get(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if f.current == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return f.current, nil
}

type fakeEntitlements struct {
	entitlementdomain.Service
	selectErr error
	selected  []entitlementdomain.Marketplace
	summary   entitlementdomain.MarketplaceSummary
}

func (f *fakeEntitlements) SelectMarketplaces(ctx context.Context, userID snowflake.ID, marketplaces []entitlementdomain.Marketplace) (entitlementdomain.MarketplaceSummary, error) {
	if f.selectErr != nil {
		return entitlementdomain.MarketplaceSummary{}, f.selectErr
	}
	f.selected = marketplaces
	f.summary.Selected = marketplaces
	f.summary.Used = len(marketplaces)
	f.summary.Available = f.summary.Total - f.summary.Used
	return f.summary, nil
}

func (f *fakeEntitlements) GetMarketplaceAccessSummary(ctx context.Context, userID snowflake.ID) (entitlementdomain.MarketplaceSummary, error) {
	return f.summary, nil
}

func (f *fakeEntitlements) HasMarketplaceAccess(ctx context.Context, userID snowflake.ID, marketplace entitlementdomain.Marketplace) (bool, error) {
	for _, selected := range f.summary.Selected {
		if selected == marketplace {
			return true, nil
		}
	}
	return false, nil
}

type testServer struct {
	engine        *gin.Engine
	events        *fakeEvents
	subscriptions *fakeSubscriptions
	entitlements  *fakeEntitlements
}

func newTestServer(t *testing.T, limiter ...*ratelimit.WebhookLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := config.Config{
		AdminToken: "admin-secret",
		Webhook: config.WebhookConfig{
			SignatureHeader: "X-Webhook-Signature",
			TimestampHeader: "X-Webhook-Timestamp",
			MaxBodyBytes:    256,
		},
	}

	ts := &testServer{
		engine:        NewEngine(),
		events:        &fakeEvents{},
		subscriptions: &fakeSubscriptions{access: map[plandomain.BotType]bool{}},
		entitlements:  &fakeEntitlements{summary: entitlementdomain.MarketplaceSummary{Total: 2, Available: 2}},
	}
	NewServer(ServerParams{
		Gin:             ts.engine,
		Cfg:             cfg,
		DB:              db,
		Log:             zaptest.NewLogger(t),
		Events:          ts.events,
		SubscriptionSvc: ts.subscriptions,
		EntitlementSvc:  ts.entitlements,
		Locker:          lock.NewKeyedMutex(),
		Limiter:         firstLimiter(limiter),
	})
	return ts
}

func firstLimiter(limiters []*ratelimit.WebhookLimiter) *ratelimit.WebhookLimiter {
	if len(limiters) == 0 {
		return nil
	}
	return limiters[0]
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReceiveWebhookPassesDeliveryThrough(t *testing.T) {
	ts := newTestServer(t)
	ts.events.result = processor.IngestResult{Event: &webhookdomain.WebhookEvent{
		ExternalEventID:  "evt_1",
		ProcessingStatus: webhookdomain.StatusProcessed,
	}}

	rec := ts.do(http.MethodPost, "/webhooks/Kiwify", []byte(`{"event":"order_approved"}`), map[string]string{
		"X-Webhook-Signature": "abc",
		"X-Webhook-Timestamp": "1700000000",
		"X-Webhook-Id":        "evt_1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_id":"evt_1","status":"accepted","processing_status":"PROCESSED"}`, rec.Body.String())
	assert.Equal(t, "Kiwify", ts.events.lastIngest.Provider)
	assert.Equal(t, "abc", ts.events.lastIngest.Signature)
	assert.Equal(t, "1700000000", ts.events.lastIngest.Timestamp)
	assert.Equal(t, `{"event":"order_approved"}`, string(ts.events.lastIngest.Payload))
	assert.Equal(t, "evt_1", ts.events.lastIngest.Headers["X-Webhook-Id"])
	_, hasSignature := ts.events.lastIngest.Headers["X-Webhook-Signature"]
	assert.False(t, hasSignature)
}

func TestReceiveWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		result processor.IngestResult
		err    error
		status int
	}{
		{
			name:   "pending",
			result: processor.IngestResult{Event: &webhookdomain.WebhookEvent{ExternalEventID: "evt", ProcessingStatus: webhookdomain.StatusPending}},
			status: http.StatusAccepted,
		},
		{
			name:   "inline failure is still accepted",
			result: processor.IngestResult{Event: &webhookdomain.WebhookEvent{ExternalEventID: "evt", ProcessingStatus: webhookdomain.StatusError}, ProcessErr: fmt.Errorf("boom")},
			status: http.StatusAccepted,
		},
		{
			name:   "duplicate",
			result: processor.IngestResult{Event: &webhookdomain.WebhookEvent{ExternalEventID: "evt", ProcessingStatus: webhookdomain.StatusProcessed}, Duplicate: true},
			status: http.StatusOK,
		},
		{name: "bad signature", err: webhookdomain.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "bad payload", err: webhookdomain.ErrInvalidPayload, status: http.StatusBadRequest},
		{name: "no event id", err: webhookdomain.ErrMissingEventID, status: http.StatusBadRequest},
		{name: "store failure", err: fmt.Errorf("db down"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.events.result = tc.result
			ts.events.ingestErr = tc.err

			rec := ts.do(http.MethodPost, "/webhooks/kiwify", []byte(`{}`), nil)

			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestReceiveWebhookRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/webhooks/kiwify", bytes.Repeat([]byte("a"), 512), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, ts.events.lastIngest.Payload)
}

func TestReceiveWebhookRateLimitedPerProvider(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{Webhook: config.WebhookConfig{RatePerSecond: 1, RateBurst: 1}}
	ts := newTestServer(t, ratelimit.NewWebhookLimiter(cfg, nil, clk, zaptest.NewLogger(t)))
	ts.events.result = processor.IngestResult{Event: &webhookdomain.WebhookEvent{ExternalEventID: "evt", ProcessingStatus: webhookdomain.StatusPending}}

	rec := ts.do(http.MethodPost, "/webhooks/kiwify", []byte(`{}`), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(http.MethodPost, "/webhooks/kiwify", []byte(`{}`), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = ts.do(http.MethodPost, "/webhooks/hotmart", []byte(`{}`), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestReceiveWebhookValidationErrorBody(t *testing.T) {
	ts := newTestServer(t)
	ts.events.ingestErr = webhookdomain.ErrMissingEventType

	rec := ts.do(http.MethodPost, "/webhooks/kiwify", []byte(`{}`), nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "missing_event_type", payload.Errors[0].Code)
	assert.Equal(t, "event_type", payload.Errors[0].Field)
}

func TestGetAccess(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.access[plandomain.BotPromo] = true

	rec := ts.do(http.MethodGet, "/v1/users/42/access?bot=promo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"42","bot_type":"PROMO","has_access":true}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/users/42/access?bot=unknown", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/users/abc/access?bot=promo", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/users/42/subscription", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestSelectMarketplaces(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/v1/users/42/marketplaces", []byte(`{"marketplaces":["shopee","mercado-livre"]}`), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []entitlementdomain.Marketplace{
		entitlementdomain.MarketplaceShopee,
		entitlementdomain.MarketplaceMercadoLivre,
	}, ts.entitlements.selected)

	rec = ts.do(http.MethodGet, "/v1/users/42/marketplaces?marketplace=SHOPEE", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"42","marketplace":"SHOPEE","has_access":true}`, rec.Body.String())
}

func TestSelectMarketplacesErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/v1/users/42/marketplaces", []byte(`{"marketplaces":["ebay"]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/v1/users/42/marketplaces", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.entitlements.selectErr = entitlementdomain.ErrSlotLimitExceeded
	rec = ts.do(http.MethodPut, "/v1/users/42/marketplaces", []byte(`{"marketplaces":["shopee","amazon","magalu"]}`), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "marketplace slot limit exceeded", decodeError(t, rec).Message)
}

func TestReplayRequiresAdminToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.events.replayed)

	rec = ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evt_1"}, ts.events.replayed)
}

func TestReplayOutcomes(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer admin-secret"}

	ts := newTestServer(t)
	ts.events.replayErr = webhookdomain.ErrNotReplayable
	rec := ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, auth)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.events.replayErr = webhookdomain.ErrEventNotFound
	rec = ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.events.replayErr = &processor.HandlerError{EventID: "evt_1", EventType: webhookdomain.PaymentConfirmed, Err: fmt.Errorf("plan missing")}
	rec = ts.do(http.MethodPost, "/admin/events/evt_1/replay", nil, auth)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"event_id":"evt_1","status":"ERROR","error":"plan missing"}`, rec.Body.String())
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(entitlementdomain.ErrDuplicateMarketplace)
	assert.Equal(t, "client", kind)
	assert.Equal(t, "conflict", code)

	kind, code = classifyErrorForLog(fmt.Errorf("wrapped: %w", webhookdomain.ErrInvalidPayload))
	assert.Equal(t, "client", kind)
	assert.Equal(t, "invalid_payload", code)

	kind, _ = classifyErrorForLog(fmt.Errorf("db down"))
	assert.Equal(t, "server", kind)
}
