package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/botbilling/internal/cache"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/plan/domain"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.PolicyHolder
	Repo   domain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.PolicyHolder
	repo   domain.Repository

	plans    cache.Cache[string, domain.Plan]
	mappings cache.Cache[string, domain.ProductMapping]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		repo:     p.Repo,
		plans:    cache.NewTTLCacheWithClock[string, domain.Plan](p.Clock.Now),
		mappings: cache.NewTTLCacheWithClock[string, domain.ProductMapping](p.Clock.Now),
	}
}

func (s *Service) ResolveProduct(ctx context.Context, productID, productName string) (*domain.ProductMapping, error) {
	productID = strings.TrimSpace(productID)
	if productID != "" {
		mapping, err := s.cachedMapping(ctx, "id:"+productID, func(db *gorm.DB) (*domain.ProductMapping, error) {
			return s.repo.FindMappingByProductID(ctx, db, productID)
		})
		if err != nil || mapping != nil {
			return mapping, err
		}
	}

	productSlug := slug.Make(productName)
	if productSlug == "" {
		return nil, nil
	}
	return s.cachedMapping(ctx, "slug:"+productSlug, func(db *gorm.DB) (*domain.ProductMapping, error) {
		return s.repo.FindMappingBySlug(ctx, db, productSlug)
	})
}

func (s *Service) cachedMapping(ctx context.Context, key string, load func(*gorm.DB) (*domain.ProductMapping, error)) (*domain.ProductMapping, error) {
	if mapping, ok := s.mappings.Get(key); ok {
		return &mapping, nil
	}
	mapping, err := load(pkgdb.Conn(ctx, s.db))
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, nil
	}
	s.mappings.Set(key, *mapping, s.policy.Get().PlanCacheTTL)
	return mapping, nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*domain.Plan, error) {
	key := "id:" + id.String()
	if plan, ok := s.plans.Get(key); ok {
		return &plan, nil
	}
	plan, err := s.repo.FindPlanByID(ctx, pkgdb.Conn(ctx, s.db), id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	s.cachePlan(*plan)
	return plan, nil
}

func (s *Service) GetPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	if plan, ok := s.plans.Get("code:" + code); ok {
		return &plan, nil
	}
	plan, err := s.repo.FindPlanByCode(ctx, pkgdb.Conn(ctx, s.db), code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	s.cachePlan(*plan)
	return plan, nil
}

func (s *Service) cachePlan(plan domain.Plan) {
	ttl := s.policy.Get().PlanCacheTTL
	s.plans.Set("id:"+plan.ID.String(), plan, ttl)
	s.plans.Set("code:"+plan.Code, plan, ttl)
}

func (s *Service) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.Plan, error) {
	code := strings.ToLower(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if req.MarketplaceSlots < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	duration := req.DurationMonths
	if duration <= 0 {
		duration = 1
	}

	now := s.clock.Now()
	plan := domain.Plan{
		ID:               s.genID.Generate(),
		Code:             code,
		Name:             name,
		MarketplaceSlots: req.MarketplaceSlots,
		DurationMonths:   duration,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, bot := range req.Bots {
		switch bot {
		case domain.BotPromo:
			plan.PromoBot = true
		case domain.BotDownload:
			plan.DownloadBot = true
		case domain.BotPinterest:
			plan.PinterestBot = true
		case domain.BotSuggestion:
			plan.SuggestionBot = true
		}
	}

	if err := s.repo.InsertPlan(ctx, pkgdb.Conn(ctx, s.db), &plan); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateCode, code)
		}
		return nil, err
	}
	s.log.Info("plan created", zap.String("code", plan.Code), zap.Int("marketplace_slots", plan.MarketplaceSlots))
	return &plan, nil
}

func (s *Service) CreateMapping(ctx context.Context, req domain.CreateMappingRequest) (*domain.ProductMapping, error) {
	productID := strings.TrimSpace(req.ProductID)
	productName := strings.TrimSpace(req.ProductName)
	if productID == "" || productName == "" {
		return nil, domain.ErrInvalidProduct
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	mapping := domain.ProductMapping{
		ID:           s.genID.Generate(),
		ProductID:    productID,
		ProductName:  productName,
		ProductSlug:  slug.Make(productName),
		Kind:         req.Kind,
		Quantity:     quantity,
		BotType:      req.BotType,
		DurationDays: req.DurationDays,
		IsActive:     true,
	}

	switch req.Kind {
	case domain.KindSubscription:
		plan, err := s.GetPlanByCode(ctx, req.PlanCode)
		if err != nil {
			return nil, err
		}
		mapping.PlanID = &plan.ID
	case domain.KindAddonMarketplace:
	case domain.KindPromoTokenPack:
		if _, ok := domain.ParseBotType(string(req.BotType)); !ok {
			mapping.BotType = domain.BotPromo
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidKind, req.Kind)
	}

	now := s.clock.Now()
	mapping.CreatedAt = now
	mapping.UpdatedAt = now
	if err := s.repo.InsertMapping(ctx, pkgdb.Conn(ctx, s.db), &mapping); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// SweepCache drops expired plan and mapping entries.
func (s *Service) SweepCache() int {
	return s.plans.Sweep() + s.mappings.Sweep()
}
