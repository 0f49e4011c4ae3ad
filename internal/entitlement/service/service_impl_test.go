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
	"github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"github.com/smallbiznis/botbilling/internal/entitlement/repository"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	planrepo "github.com/smallbiznis/botbilling/internal/plan/repository"
	planservice "github.com/smallbiznis/botbilling/internal/plan/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testUser = snowflake.ID(1001)

type fixture struct {
	svc   domain.Service
	plans plandomain.Service
	audit auditdomain.Service
	clock *clock.FakeClock
	db    *gorm.DB
}

func setupEntitlements(t *testing.T) fixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&domain.Entitlement{},
		&plandomain.Plan{},
		&plandomain.ProductMapping{},
		&auditdomain.AuditLogEntry{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	plans := planservice.NewService(planservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Policy: config.StaticPolicy(config.DefaultPolicy()),
		Repo:   planrepo.Provide(),
	})
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepo.Provide()})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		PlanSvc:    plans,
		AuditSvc:   audit,
		Repo:       repository.Provide(),
		ObsMetrics: obsmetrics.NewNoop(),
	})
	return fixture{svc: svc, plans: plans, audit: audit, clock: fc, db: db}
}

func (f fixture) createPlan(t *testing.T, code string, slots int, bots ...plandomain.BotType) *plandomain.Plan {
	t.Helper()
	plan, err := f.plans.CreatePlan(context.Background(), plandomain.CreatePlanRequest{
		Code:             code,
		Name:             code,
		MarketplaceSlots: slots,
		Bots:             bots,
	})
	require.NoError(t, err)
	return plan
}

func countByStatus(items []domain.Entitlement, status domain.Status) int {
	n := 0
	for _, item := range items {
		if item.Status == status {
			n++
		}
	}
	return n
}

func TestCreateEntitlementsFromPlanReplacesPlanGrants(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()
	basic := f.createPlan(t, "basic", 2, plandomain.BotPromo, plandomain.BotDownload)
	pro := f.createPlan(t, "pro", 3, plandomain.BotPromo)

	created, err := f.svc.CreateEntitlementsFromPlan(ctx, testUser, basic.ID)
	require.NoError(t, err)
	assert.Len(t, created, 4)

	_, err = f.svc.AddMarketplaceSlot(ctx, testUser, "", domain.SourceAddonPurchased, nil)
	require.NoError(t, err)
	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{domain.MarketplaceShopee})
	require.NoError(t, err)

	created, err = f.svc.CreateEntitlementsFromPlan(ctx, testUser, pro.ID)
	require.NoError(t, err)
	assert.Len(t, created, 4)

	all, err := f.svc.List(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 4, countByStatus(all, domain.StatusRevoked))
	assert.Equal(t, 5, countByStatus(all, domain.StatusActive))

	summary, err := f.svc.GetMarketplaceAccessSummary(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, []domain.Marketplace{domain.MarketplaceShopee}, summary.Selected)

	revocations, err := f.audit.List(ctx, auditdomain.ListFilter{Action: "entitlement.revoked"})
	require.NoError(t, err)
	assert.Len(t, revocations, 4)
}

func TestSelectMarketplaces(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()
	plan := f.createPlan(t, "duo", 2)
	_, err := f.svc.CreateEntitlementsFromPlan(ctx, testUser, plan.ID)
	require.NoError(t, err)

	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{"SHOPEE", "SHOPEE"})
	assert.ErrorIs(t, err, domain.ErrDuplicateMarketplace)
	assert.True(t, domain.IsConflict(err))

	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{"SHOPEE", "AMAZON", "MAGALU"})
	assert.ErrorIs(t, err, domain.ErrSlotLimitExceeded)
	assert.True(t, domain.IsConflict(err))

	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{"EBAY"})
	assert.ErrorIs(t, err, domain.ErrInvalidMarketplace)

	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{"SHOPEE"})
	require.NoError(t, err)
	summary, err := f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{"amazon"})
	require.NoError(t, err)
	assert.Equal(t, domain.MarketplaceSummary{
		Total:     2,
		Used:      1,
		Available: 1,
		Selected:  []domain.Marketplace{domain.MarketplaceAmazon},
	}, summary)

	hasAmazon, err := f.svc.HasMarketplaceAccess(ctx, testUser, domain.MarketplaceAmazon)
	require.NoError(t, err)
	assert.True(t, hasAmazon)
	hasShopee, err := f.svc.HasMarketplaceAccess(ctx, testUser, domain.MarketplaceShopee)
	require.NoError(t, err)
	assert.False(t, hasShopee)
}

func TestFailedSelectionLeavesAssignmentsUntouched(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()
	plan := f.createPlan(t, "solo", 1)
	_, err := f.svc.CreateEntitlementsFromPlan(ctx, testUser, plan.ID)
	require.NoError(t, err)
	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{domain.MarketplaceMagalu})
	require.NoError(t, err)

	_, err = f.svc.SelectMarketplaces(ctx, testUser, []domain.Marketplace{domain.MarketplaceShopee, domain.MarketplaceAmazon})
	require.Error(t, err)

	summary, err := f.svc.GetMarketplaceAccessSummary(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, []domain.Marketplace{domain.MarketplaceMagalu}, summary.Selected)
}

func TestAddPromoAccessIsIdempotent(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()

	first, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotPinterest, nil)
	require.NoError(t, err)
	second, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotPinterest, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Nil(t, second.ExpiresAt)

	valid, err := f.svc.HasValidPromoEntitlement(ctx, testUser, plandomain.BotPinterest)
	require.NoError(t, err)
	assert.True(t, valid)

	other, err := f.svc.HasValidPromoEntitlement(ctx, testUser, plandomain.BotDownload)
	require.NoError(t, err)
	assert.False(t, other)

	_, err = f.svc.AddPromoAccess(ctx, testUser, "ROBOT", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidBotType)
}

func TestAddPromoAccessAfterLapseGrantsAgain(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()

	expires := f.clock.Now().AddDate(0, 0, 30)
	first, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotDownload, &expires)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	renewed := f.clock.Now().AddDate(0, 0, 30)
	second, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotDownload, &renewed)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	require.NotNil(t, second.ExpiresAt)
	assert.True(t, second.ExpiresAt.Equal(renewed))

	valid, err := f.svc.HasValidPromoEntitlement(ctx, testUser, plandomain.BotDownload)
	require.NoError(t, err)
	assert.True(t, valid)

	all, err := f.svc.List(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, countByStatus(all, domain.StatusActive))
	assert.Equal(t, 1, countByStatus(all, domain.StatusRevoked))

	entries, err := f.audit.List(ctx, auditdomain.ListFilter{Action: "entitlement.revoked", EntityID: first.ID.String()})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "expired", entries[0].Metadata["reason"])

	revoked, err := f.svc.CleanupExpiredEntitlements(ctx)
	require.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestHasValidPromoEntitlementRejectsUnknownBot(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()
	_, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotPinterest, nil)
	require.NoError(t, err)

	for _, bot := range []plandomain.BotType{"", "ROBOT"} {
		valid, err := f.svc.HasValidPromoEntitlement(ctx, testUser, bot)
		assert.ErrorIs(t, err, domain.ErrInvalidBotType, "bot %q", bot)
		assert.False(t, valid)
	}
}

func TestPromoExpiryAndCleanup(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()

	expires := f.clock.Now().Add(48 * time.Hour)
	_, err := f.svc.AddPromoAccess(ctx, testUser, plandomain.BotSuggestion, &expires)
	require.NoError(t, err)
	_, err = f.svc.AddMarketplaceSlot(ctx, testUser, domain.MarketplaceAliExpress, domain.SourceAddonPurchased, &expires)
	require.NoError(t, err)
	_, err = f.svc.AddMarketplaceSlot(ctx, testUser, "", domain.SourceAddonPurchased, nil)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)

	valid, err := f.svc.HasValidPromoEntitlement(ctx, testUser, plandomain.BotSuggestion)
	require.NoError(t, err)
	assert.False(t, valid)
	hasAli, err := f.svc.HasMarketplaceAccess(ctx, testUser, domain.MarketplaceAliExpress)
	require.NoError(t, err)
	assert.False(t, hasAli)

	revoked, err := f.svc.CleanupExpiredEntitlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	again, err := f.svc.CleanupExpiredEntitlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	entries, err := f.audit.List(ctx, auditdomain.ListFilter{Action: "entitlement.revoked"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "expired", entries[0].Metadata["reason"])
}

func TestRevokeEntitlementsBySource(t *testing.T) {
	f := setupEntitlements(t)
	ctx := context.Background()
	plan := f.createPlan(t, "basic", 1, plandomain.BotPromo)
	_, err := f.svc.CreateEntitlementsFromPlan(ctx, testUser, plan.ID)
	require.NoError(t, err)
	addon, err := f.svc.AddMarketplaceSlot(ctx, testUser, "", domain.SourceAddonPurchased, nil)
	require.NoError(t, err)

	revoked, err := f.svc.RevokeEntitlements(ctx, testUser, domain.SourcePlanIncluded, "refund")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	all, err := f.svc.List(ctx, testUser)
	require.NoError(t, err)
	for _, item := range all {
		if item.ID == addon.ID {
			assert.Equal(t, domain.StatusActive, item.Status)
		} else {
			assert.Equal(t, domain.StatusRevoked, item.Status)
			assert.Equal(t, "refund", item.RevokeReason)
		}
	}

	revoked, err = f.svc.RevokeEntitlements(ctx, testUser, "", "chargeback")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	_, err = f.svc.RevokeEntitlements(ctx, testUser, "GIFT", "")
	assert.ErrorIs(t, err, domain.ErrInvalidSource)
}
