package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	auditrepo "github.com/smallbiznis/botbilling/internal/audit/repository"
	auditservice "github.com/smallbiznis/botbilling/internal/audit/service"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/botbilling/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/botbilling/internal/entitlement/service"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	planrepo "github.com/smallbiznis/botbilling/internal/plan/repository"
	planservice "github.com/smallbiznis/botbilling/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	"github.com/smallbiznis/botbilling/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const userID = snowflake.ID(77)

type fixture struct {
	svc          subscriptiondomain.Service
	entitlements entitlementdomain.Service
	audit        auditdomain.Service
	clock        *clock.FakeClock
	plan         *plandomain.Plan
}

func setupSubscriptions(t *testing.T) fixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&entitlementdomain.Entitlement{},
		&plandomain.Plan{},
		&plandomain.ProductMapping{},
		&auditdomain.AuditLogEntry{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	policy := config.StaticPolicy(config.DefaultPolicy())
	metrics := obsmetrics.NewNoop()

	plans := planservice.NewService(planservice.Params{DB: db, Log: log, GenID: node, Clock: fc, Policy: policy, Repo: planrepo.Provide()})
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepo.Provide()})
	entitlements := entitlementservice.NewService(entitlementservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		PlanSvc: plans, AuditSvc: audit, Repo: entitlementrepo.Provide(), ObsMetrics: metrics,
	})
	svc := NewService(ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Policy: policy,
		EntitlementSvc: entitlements, AuditSvc: audit, Repo: repository.Provide(), ObsMetrics: metrics,
	})

	plan, err := plans.CreatePlan(context.Background(), plandomain.CreatePlanRequest{
		Code:             "basic",
		Name:             "Basic",
		MarketplaceSlots: 1,
		Bots:             []plandomain.BotType{plandomain.BotPromo},
	})
	require.NoError(t, err)

	return fixture{svc: svc, entitlements: entitlements, audit: audit, clock: fc, plan: plan}
}

func (f fixture) activate(t *testing.T, days int) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Activate(context.Background(), subscriptiondomain.ActivateRequest{
		UserID:    userID,
		PlanID:    f.plan.ID,
		ExpiresAt: f.clock.Now().AddDate(0, 0, days),
	})
	require.NoError(t, err)
	return sub
}

func (f fixture) activeBySource(t *testing.T) map[entitlementdomain.Source]int {
	t.Helper()
	items, err := f.entitlements.List(context.Background(), userID)
	require.NoError(t, err)
	counts := map[entitlementdomain.Source]int{}
	for _, item := range items {
		if item.Status == entitlementdomain.StatusActive {
			counts[item.Source]++
		}
	}
	return counts
}

func TestActivateCreatesSubscriptionAndEntitlements(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()

	sub := f.activate(t, 30)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	again := f.activate(t, 30)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	entries, err := f.audit.List(ctx, auditdomain.ListFilter{Action: "subscription.activated"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, []string{"", "null"}, string(entries[0].Before))
	assert.Contains(t, string(entries[1].Before), "ACTIVE")
}

func TestHasAccessRules(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()

	access, err := f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)

	_, err = f.entitlements.AddPromoAccess(ctx, userID, plandomain.BotDownload, nil)
	require.NoError(t, err)
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotDownload)
	require.NoError(t, err)
	assert.True(t, access)

	f.activate(t, 30)
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.True(t, access)

	f.clock.Advance(31 * 24 * time.Hour)
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)

	sub, err := f.svc.EnterGracePeriod(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, sub.GraceUntil)
	assert.True(t, sub.GraceUntil.Equal(f.clock.Now().Add(72*time.Hour)))
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.True(t, access)

	_, err = f.svc.Expire(ctx, userID)
	require.NoError(t, err)
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)
}

func TestRefundRevokesOnlyPlanEntitlements(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()
	f.activate(t, 30)
	_, err := f.entitlements.AddMarketplaceSlot(ctx, userID, "", entitlementdomain.SourceAddonPurchased, nil)
	require.NoError(t, err)

	sub, err := f.svc.Refund(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusRefunded, sub.Status)

	counts := f.activeBySource(t)
	assert.Equal(t, 0, counts[entitlementdomain.SourcePlanIncluded])
	assert.Equal(t, 1, counts[entitlementdomain.SourceAddonPurchased])

	access, err := f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)
}

func TestChargebackRevokesEverything(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()
	f.activate(t, 30)
	_, err := f.entitlements.AddMarketplaceSlot(ctx, userID, "", entitlementdomain.SourceAddonPurchased, nil)
	require.NoError(t, err)

	sub, err := f.svc.Chargeback(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusChargeback, sub.Status)
	assert.Empty(t, f.activeBySource(t))

	_, err = f.svc.Cancel(ctx, userID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancelKeepsAccessUntilExpiry(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()
	f.activate(t, 10)

	sub, err := f.svc.Cancel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	access, err := f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.True(t, access)

	f.clock.Advance(11 * 24 * time.Hour)
	access, err = f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)

	result, err := f.svc.SweepLifecycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 0, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])
}

func TestRenewRequiresSubscriptionAndNeverShortens(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()

	_, err := f.svc.Renew(ctx, userID, f.clock.Now().AddDate(0, 1, 0))
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	f.activate(t, 30)
	later := f.clock.Now().AddDate(0, 2, 0)
	sub, err := f.svc.Renew(ctx, userID, later)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(later))

	sub, err = f.svc.Renew(ctx, userID, f.clock.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(later))

	_, err = f.svc.EnterGracePeriod(ctx, userID)
	require.NoError(t, err)
	sub, err = f.svc.Renew(ctx, userID, f.clock.Now().AddDate(0, 3, 0))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Nil(t, sub.GraceUntil)
}

func TestRenewAfterRefundRestoresPlanEntitlements(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()
	f.activate(t, 30)
	_, err := f.svc.Refund(ctx, userID)
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, userID, f.clock.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])
}

func TestSweepLifecycleWalksEveryTimedEdge(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()
	f.activate(t, 1)

	f.clock.Advance(25 * time.Hour)
	result, err := f.svc.SweepLifecycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SweepResult{EnteredGrace: 1}, result)

	f.clock.Advance(73 * time.Hour)
	result, err = f.svc.SweepLifecycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SweepResult{PastDue: 1}, result)

	sub, err := f.svc.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	f.clock.Advance(8 * 24 * time.Hour)
	result, err = f.svc.SweepLifecycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SweepResult{Expired: 1}, result)
	assert.Equal(t, 0, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	result, err = f.svc.SweepLifecycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Total())
}

func TestPendingConfirmationThenActivate(t *testing.T) {
	f := setupSubscriptions(t)
	ctx := context.Background()

	sub, err := f.svc.StartPendingConfirmation(ctx, userID, f.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPendingConfirmation, sub.Status)
	assert.Empty(t, f.activeBySource(t))

	access, err := f.svc.HasAccess(ctx, userID, plandomain.BotPromo)
	require.NoError(t, err)
	assert.False(t, access)

	sub = f.activate(t, 30)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, 2, f.activeBySource(t)[entitlementdomain.SourcePlanIncluded])

	_, err = f.svc.StartPendingConfirmation(ctx, userID, f.plan.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestRefundAndChargebackFromPendingConfirmation(t *testing.T) {
	cases := []struct {
		name       string
		fromCancel bool
		apply      func(ctx context.Context, f fixture) (*subscriptiondomain.Subscription, error)
		want       subscriptiondomain.SubscriptionStatus
		wantActive map[entitlementdomain.Source]int
	}{
		{
			name: "refund fresh checkout",
			apply: func(ctx context.Context, f fixture) (*subscriptiondomain.Subscription, error) {
				return f.svc.Refund(ctx, userID)
			},
			want:       subscriptiondomain.StatusRefunded,
			wantActive: map[entitlementdomain.Source]int{entitlementdomain.SourceAddonPurchased: 1},
		},
		{
			name:       "refund after cancel keeps no plan grants",
			fromCancel: true,
			apply: func(ctx context.Context, f fixture) (*subscriptiondomain.Subscription, error) {
				return f.svc.Refund(ctx, userID)
			},
			want:       subscriptiondomain.StatusRefunded,
			wantActive: map[entitlementdomain.Source]int{entitlementdomain.SourceAddonPurchased: 1},
		},
		{
			name: "chargeback fresh checkout",
			apply: func(ctx context.Context, f fixture) (*subscriptiondomain.Subscription, error) {
				return f.svc.Chargeback(ctx, userID)
			},
			want:       subscriptiondomain.StatusChargeback,
			wantActive: map[entitlementdomain.Source]int{},
		},
		{
			name:       "chargeback after cancel",
			fromCancel: true,
			apply: func(ctx context.Context, f fixture) (*subscriptiondomain.Subscription, error) {
				return f.svc.Chargeback(ctx, userID)
			},
			want:       subscriptiondomain.StatusChargeback,
			wantActive: map[entitlementdomain.Source]int{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupSubscriptions(t)
			ctx := context.Background()
			if tc.fromCancel {
				f.activate(t, 30)
				_, err := f.svc.Cancel(ctx, userID)
				require.NoError(t, err)
			}
			_, err := f.entitlements.AddMarketplaceSlot(ctx, userID, "", entitlementdomain.SourceAddonPurchased, nil)
			require.NoError(t, err)
			sub, err := f.svc.StartPendingConfirmation(ctx, userID, f.plan.ID)
			require.NoError(t, err)
			require.Equal(t, subscriptiondomain.StatusPendingConfirmation, sub.Status)

			sub, err = tc.apply(ctx, f)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sub.Status)
			assert.Equal(t, tc.wantActive, f.activeBySource(t))
		})
	}
}
