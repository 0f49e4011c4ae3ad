package repository

import (
	"context"

	"github.com/smallbiznis/botbilling/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	return r.first(ctx, db.Where("id = ?", id))
}

func (r *repo) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.User, error) {
	return r.first(ctx, db.Where("external_customer_id = ?", customerID))
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.User, error) {
	return r.first(ctx, db.Where("LOWER(email) = LOWER(?)", email))
}

func (r *repo) FindBySubscriptionCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT u.id, u.email, u.external_customer_id, u.telegram_chat_id, u.display_name, u.created_at, u.updated_at
		 FROM users u
		 JOIN subscriptions s ON s.user_id = u.id
		 WHERE s.external_customer_id = ?
		 LIMIT 1`,
		customerID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) SetExternalCustomerID(ctx context.Context, db *gorm.DB, id int64, customerID string) error {
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND external_customer_id IS NULL", id).
		Update("external_customer_id", customerID).Error
}

func (r *repo) first(ctx context.Context, stmt *gorm.DB) (*domain.User, error) {
	var user domain.User
	err := stmt.WithContext(ctx).Order("id ASC").Limit(1).Find(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}
