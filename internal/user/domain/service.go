package domain

import (
	"context"

	"gorm.io/gorm"
)

//go:generate mockgen -destination=../mocks/mock_resolver.go -package=mocks github.com/smallbiznis/botbilling/internal/user/domain Resolver

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*User, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*User, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error)
	// FindBySubscriptionCustomerID covers users whose customer id was only ever
	// recorded on their subscription.
	FindBySubscriptionCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*User, error)
	SetExternalCustomerID(ctx context.Context, db *gorm.DB, id int64, customerID string) error
}

// Resolver maps provider customer identity to a platform user. A user that cannot be
// found is reported as (nil, nil).
type Resolver interface {
	Resolve(ctx context.Context, customerID, email string) (*User, error)
}
