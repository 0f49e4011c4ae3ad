package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(1).
		Find(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription, expected domain.SubscriptionStatus) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND status = ?", subscription.ID, expected).
		Updates(map[string]any{
			"plan_id":              subscription.PlanID,
			"status":               subscription.Status,
			"expires_at":           subscription.ExpiresAt,
			"grace_until":          subscription.GraceUntil,
			"external_customer_id": subscription.ExternalCustomerID,
			"status_changed_at":    subscription.StatusChangedAt,
			"metadata":             subscription.Metadata,
			"updated_at":           subscription.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) ListExpiring(ctx context.Context, db *gorm.DB, status domain.SubscriptionStatus, before time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", status, before).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListGraceEnded(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).
		Where("status = ? AND grace_until IS NOT NULL AND grace_until <= ?", domain.StatusGrace, before).
		Order("grace_until ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStaleInStatus(ctx context.Context, db *gorm.DB, status domain.SubscriptionStatus, changedBefore time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).
		Where("status = ? AND status_changed_at <= ?", status, changedBefore).
		Order("status_changed_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
