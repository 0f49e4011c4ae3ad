package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, marketplace_slots, promo_bot, download_bot, pinterest_bot, suggestion_bot,
		        duration_months, is_active, created_at, updated_at
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, marketplace_slots, promo_bot, download_bot, pinterest_bot, suggestion_bot,
		        duration_months, is_active, created_at, updated_at
		 FROM plans WHERE code = ?`,
		code,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) InsertMapping(ctx context.Context, db *gorm.DB, mapping *domain.ProductMapping) error {
	return db.WithContext(ctx).Create(mapping).Error
}

func (r *repo) FindMappingByProductID(ctx context.Context, db *gorm.DB, productID string) (*domain.ProductMapping, error) {
	var mapping domain.ProductMapping
	err := db.WithContext(ctx).
		Where("product_id = ? AND is_active = ?", productID, true).
		Limit(1).
		Find(&mapping).Error
	if err != nil {
		return nil, err
	}
	if mapping.ID == 0 {
		return nil, nil
	}
	return &mapping, nil
}

func (r *repo) FindMappingBySlug(ctx context.Context, db *gorm.DB, productSlug string) (*domain.ProductMapping, error) {
	var mapping domain.ProductMapping
	err := db.WithContext(ctx).
		Where("product_slug = ? AND is_active = ?", productSlug, true).
		Order("created_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&mapping).Error
	if err != nil {
		return nil, err
	}
	if mapping.ID == 0 {
		return nil, nil
	}
	return &mapping, nil
}
