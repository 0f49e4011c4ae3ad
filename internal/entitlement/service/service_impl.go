package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cleanupBatchSize = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	PlanSvc    plandomain.Service
	AuditSvc   auditdomain.Service
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	planSvc    plandomain.Service
	auditSvc   auditdomain.Service
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		planSvc:    p.PlanSvc,
		auditSvc:   p.AuditSvc,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntitlementsFromPlan(ctx context.Context, userID, planID snowflake.ID) ([]domain.Entitlement, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	plan, err := s.planSvc.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	var created []domain.Entitlement
	err = pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		existing, err := s.repo.ListActive(ctx, db, userID, domain.ActiveFilter{Source: domain.SourcePlanIncluded})
		if err != nil {
			return err
		}

		var carried []domain.Marketplace
		for _, item := range existing {
			if item.Type == domain.TypeMarketplaceSlot && item.Marketplace != "" {
				carried = append(carried, item.Marketplace)
			}
		}
		if _, err := s.revoke(ctx, db, existing, "plan_replaced"); err != nil {
			return err
		}

		now := s.clock.Now()
		for _, bot := range plan.IncludedBots() {
			created = append(created, s.newEntitlement(userID, domain.TypeBotAccess, domain.SourcePlanIncluded, now, func(e *domain.Entitlement) {
				e.BotType = bot
			}))
		}
		for i := 0; i < plan.MarketplaceSlots; i++ {
			var marketplace domain.Marketplace
			if i < len(carried) {
				marketplace = carried[i]
			}
			created = append(created, s.newEntitlement(userID, domain.TypeMarketplaceSlot, domain.SourcePlanIncluded, now, func(e *domain.Entitlement) {
				e.Marketplace = marketplace
			}))
		}

		if err := s.repo.Insert(ctx, db, created); err != nil {
			return err
		}
		for _, item := range created {
			s.recordChange(ctx, "entitlement.granted", nil, item, map[string]any{
				"plan_code": plan.Code,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan entitlements applied",
		zap.String("user_id", userID.String()),
		zap.String("plan_code", plan.Code),
		zap.Int("count", len(created)),
	)
	return created, nil
}

func (s *Service) AddMarketplaceSlot(ctx context.Context, userID snowflake.ID, marketplace domain.Marketplace, source domain.Source, expiresAt *time.Time) (*domain.Entitlement, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if marketplace != "" {
		parsed, ok := domain.ParseMarketplace(string(marketplace))
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidMarketplace, marketplace)
		}
		marketplace = parsed
	}
	if !isValidSource(source) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidSource, source)
	}

	item := s.newEntitlement(userID, domain.TypeMarketplaceSlot, source, s.clock.Now(), func(e *domain.Entitlement) {
		e.Marketplace = marketplace
		e.ExpiresAt = utcPtr(expiresAt)
	})
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, pkgdb.Conn(ctx, s.db), []domain.Entitlement{item}); err != nil {
			return err
		}
		s.recordChange(ctx, "entitlement.granted", nil, item, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Service) AddPromoAccess(ctx context.Context, userID snowflake.ID, botType plandomain.BotType, expiresAt *time.Time) (*domain.Entitlement, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	bot, ok := plandomain.ParseBotType(string(botType))
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidBotType, botType)
	}

	var result domain.Entitlement
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		existing, err := s.repo.ListActive(ctx, db, userID, domain.ActiveFilter{Type: domain.TypePromoAccess, BotType: bot})
		if err != nil {
			return err
		}
		now := s.clock.Now()
		var lapsed []domain.Entitlement
		for _, item := range existing {
			if item.ValidAt(now) {
				result = item
				return nil
			}
			lapsed = append(lapsed, item)
		}
		// Grants past expiry the cleanup job has not reached yet do not count as held.
		if _, err := s.revoke(ctx, db, lapsed, "expired"); err != nil {
			return err
		}

		result = s.newEntitlement(userID, domain.TypePromoAccess, domain.SourcePromo, now, func(e *domain.Entitlement) {
			e.BotType = bot
			e.ExpiresAt = utcPtr(expiresAt)
		})
		if err := s.repo.Insert(ctx, db, []domain.Entitlement{result}); err != nil {
			return err
		}
		s.recordChange(ctx, "entitlement.granted", nil, result, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) RevokeEntitlements(ctx context.Context, userID snowflake.ID, source domain.Source, reason string) (int, error) {
	if userID == 0 {
		return 0, domain.ErrInvalidUser
	}
	if source != "" && !isValidSource(source) {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidSource, source)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}

	revoked := 0
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		items, err := s.repo.ListActive(ctx, db, userID, domain.ActiveFilter{Source: source})
		if err != nil {
			return err
		}
		revoked, err = s.revoke(ctx, db, items, reason)
		return err
	})
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.log.Info("entitlements revoked",
			zap.String("user_id", userID.String()),
			zap.String("source", string(source)),
			zap.String("reason", reason),
			zap.Int("count", revoked),
		)
	}
	return revoked, nil
}

// HasValidPromoEntitlement checks one bot. An empty bot type is rejected rather than
// matching promos of every bot.
func (s *Service) HasValidPromoEntitlement(ctx context.Context, userID snowflake.ID, botType plandomain.BotType) (bool, error) {
	bot, ok := plandomain.ParseBotType(string(botType))
	if !ok {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidBotType, botType)
	}
	items, err := s.repo.ListActive(ctx, pkgdb.Conn(ctx, s.db), userID, domain.ActiveFilter{
		Type:    domain.TypePromoAccess,
		BotType: bot,
	})
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	for _, item := range items {
		if item.ValidAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) HasMarketplaceAccess(ctx context.Context, userID snowflake.ID, marketplace domain.Marketplace) (bool, error) {
	parsed, ok := domain.ParseMarketplace(string(marketplace))
	if !ok {
		return false, nil
	}
	slots, err := s.validSlots(ctx, pkgdb.Conn(ctx, s.db), userID)
	if err != nil {
		return false, err
	}
	for _, slot := range slots {
		if slot.Marketplace == parsed {
			return true, nil
		}
	}
	return false, nil
}

// SelectMarketplaces replaces every slot assignment of the user with the requested list.
// Validation happens before anything is written.
func (s *Service) SelectMarketplaces(ctx context.Context, userID snowflake.ID, marketplaces []domain.Marketplace) (domain.MarketplaceSummary, error) {
	if userID == 0 {
		return domain.MarketplaceSummary{}, domain.ErrInvalidUser
	}
	requested := make([]domain.Marketplace, 0, len(marketplaces))
	seen := make(map[domain.Marketplace]struct{}, len(marketplaces))
	for _, raw := range marketplaces {
		marketplace, ok := domain.ParseMarketplace(string(raw))
		if !ok {
			return domain.MarketplaceSummary{}, fmt.Errorf("%w: %s", domain.ErrInvalidMarketplace, raw)
		}
		if _, dup := seen[marketplace]; dup {
			return domain.MarketplaceSummary{}, fmt.Errorf("%w: %s", domain.ErrDuplicateMarketplace, marketplace)
		}
		seen[marketplace] = struct{}{}
		requested = append(requested, marketplace)
	}

	var summary domain.MarketplaceSummary
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		slots, err := s.validSlots(ctx, db, userID)
		if err != nil {
			return err
		}
		if len(requested) > len(slots) {
			return fmt.Errorf("%w: requested %d, available %d", domain.ErrSlotLimitExceeded, len(requested), len(slots))
		}

		now := s.clock.Now()
		for i, slot := range slots {
			var target domain.Marketplace
			if i < len(requested) {
				target = requested[i]
			}
			if slot.Marketplace == target {
				continue
			}
			if _, err := s.repo.AssignMarketplace(ctx, db, slot.ID, target, now); err != nil {
				return err
			}
			before := slot
			slot.Marketplace = target
			slot.UpdatedAt = now
			slots[i] = slot
			s.recordChange(ctx, "entitlement.marketplace_assigned", &before, slot, nil)
		}
		summary = summarize(slots)
		return nil
	})
	if err != nil {
		return domain.MarketplaceSummary{}, err
	}
	return summary, nil
}

func (s *Service) GetMarketplaceAccessSummary(ctx context.Context, userID snowflake.ID) (domain.MarketplaceSummary, error) {
	slots, err := s.validSlots(ctx, pkgdb.Conn(ctx, s.db), userID)
	if err != nil {
		return domain.MarketplaceSummary{}, err
	}
	return summarize(slots), nil
}

// CleanupExpiredEntitlements revokes ACTIVE grants whose expiry has passed.
func (s *Service) CleanupExpiredEntitlements(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var revoked int
		err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
			db := pkgdb.Conn(ctx, s.db)
			items, err := s.repo.ListExpired(ctx, db, s.clock.Now(), cleanupBatchSize)
			if err != nil {
				return err
			}
			revoked, err = s.revoke(ctx, db, items, "expired")
			return err
		})
		if err != nil {
			return total, err
		}
		total += revoked
		if revoked < cleanupBatchSize {
			break
		}
	}
	if total > 0 {
		s.log.Info("expired entitlements revoked", zap.Int("count", total))
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]domain.Entitlement, error) {
	return s.repo.ListByUser(ctx, pkgdb.Conn(ctx, s.db), userID)
}

func (s *Service) validSlots(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Entitlement, error) {
	items, err := s.repo.ListActive(ctx, db, userID, domain.ActiveFilter{Type: domain.TypeMarketplaceSlot})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	slots := items[:0]
	for _, item := range items {
		if item.ValidAt(now) {
			slots = append(slots, item)
		}
	}
	return slots, nil
}

func (s *Service) revoke(ctx context.Context, db *gorm.DB, items []domain.Entitlement, reason string) (int, error) {
	now := s.clock.Now()
	revoked := 0
	for _, item := range items {
		rows, err := s.repo.Revoke(ctx, db, item.ID, reason, now)
		if err != nil {
			return revoked, err
		}
		if rows == 0 {
			continue
		}
		revoked++
		before := item
		item.Status = domain.StatusRevoked
		item.RevokedAt = &now
		item.RevokeReason = reason
		item.UpdatedAt = now
		s.recordChange(ctx, "entitlement.revoked", &before, item, map[string]any{"reason": reason})
	}
	return revoked, nil
}

func (s *Service) newEntitlement(userID snowflake.ID, typ domain.Type, source domain.Source, now time.Time, opts ...func(*domain.Entitlement)) domain.Entitlement {
	item := domain.Entitlement{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Type:      typ,
		Source:    source,
		Status:    domain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&item)
	}
	return item
}

func (s *Service) recordChange(ctx context.Context, action string, before *domain.Entitlement, after domain.Entitlement, metadata map[string]any) {
	req := auditdomain.RecordRequest{
		ActorUserID: &after.UserID,
		Action:      action,
		EntityType:  auditdomain.EntityEntitlement,
		EntityID:    after.ID.String(),
		After:       after,
		Metadata:    metadata,
	}
	if before != nil {
		req.Before = *before
	}
	_ = s.auditSvc.Record(ctx, req)
	s.obsMetrics.RecordEntitlementChange(ctx, string(after.Type), action)
}

func summarize(slots []domain.Entitlement) domain.MarketplaceSummary {
	summary := domain.MarketplaceSummary{
		Total:    len(slots),
		Selected: []domain.Marketplace{},
	}
	for _, slot := range slots {
		if slot.Marketplace != "" {
			summary.Used++
			summary.Selected = append(summary.Selected, slot.Marketplace)
		}
	}
	summary.Available = summary.Total - summary.Used
	return summary
}

func isValidSource(source domain.Source) bool {
	switch source {
	case domain.SourcePlanIncluded, domain.SourceAddonPurchased, domain.SourcePromo:
		return true
	default:
		return false
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
