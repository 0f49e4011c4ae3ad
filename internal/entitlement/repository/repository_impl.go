package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entitlements []domain.Entitlement) error {
	if len(entitlements) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&entitlements).Error
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, userID snowflake.ID, filter domain.ActiveFilter) ([]domain.Entitlement, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Entitlement{}).
		Where("user_id = ? AND status = ?", userID, domain.StatusActive)
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.Source != "" {
		stmt = stmt.Where("source = ?", filter.Source)
	}
	if filter.BotType != "" {
		stmt = stmt.Where("bot_type = ?", filter.BotType)
	}

	var items []domain.Entitlement
	if err := stmt.Order("created_at ASC").Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.StatusActive, now).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Entitlement{}).
		Where("id = ? AND status = ?", id, domain.StatusActive).
		Updates(map[string]any{
			"status":        domain.StatusRevoked,
			"revoked_at":    at,
			"revoke_reason": reason,
			"updated_at":    at,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) AssignMarketplace(ctx context.Context, db *gorm.DB, id snowflake.ID, marketplace domain.Marketplace, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Entitlement{}).
		Where("id = ? AND status = ? AND type = ?", id, domain.StatusActive, domain.TypeMarketplaceSlot).
		Updates(map[string]any{
			"marketplace": marketplace,
			"updated_at":  at,
		})
	return res.RowsAffected, res.Error
}
