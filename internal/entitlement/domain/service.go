package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	"gorm.io/gorm"
)

// ActiveFilter narrows ListActive. Zero fields match everything.
type ActiveFilter struct {
	Type    Type
	Source  Source
	BotType plandomain.BotType
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entitlements []Entitlement) error
	ListActive(ctx context.Context, db *gorm.DB, userID snowflake.ID, filter ActiveFilter) ([]Entitlement, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Entitlement, error)
	ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Entitlement, error)
	Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (int64, error)
	AssignMarketplace(ctx context.Context, db *gorm.DB, id snowflake.ID, marketplace Marketplace, at time.Time) (int64, error)
}

type Service interface {
	// CreateEntitlementsFromPlan revokes the user's PLAN_INCLUDED grants and recreates
	// them from the plan. Marketplace selections carry over to the new slots in order.
	CreateEntitlementsFromPlan(ctx context.Context, userID, planID snowflake.ID) ([]Entitlement, error)
	AddMarketplaceSlot(ctx context.Context, userID snowflake.ID, marketplace Marketplace, source Source, expiresAt *time.Time) (*Entitlement, error)
	// AddPromoAccess returns the existing ACTIVE promo grant for the bot unchanged if
	// there is one.
	AddPromoAccess(ctx context.Context, userID snowflake.ID, botType plandomain.BotType, expiresAt *time.Time) (*Entitlement, error)
	// RevokeEntitlements revokes every ACTIVE grant of the source, or all of them when
	// source is empty, and returns how many changed.
	RevokeEntitlements(ctx context.Context, userID snowflake.ID, source Source, reason string) (int, error)
	HasValidPromoEntitlement(ctx context.Context, userID snowflake.ID, botType plandomain.BotType) (bool, error)
	HasMarketplaceAccess(ctx context.Context, userID snowflake.ID, marketplace Marketplace) (bool, error)
	SelectMarketplaces(ctx context.Context, userID snowflake.ID, marketplaces []Marketplace) (MarketplaceSummary, error)
	GetMarketplaceAccessSummary(ctx context.Context, userID snowflake.ID) (MarketplaceSummary, error)
	CleanupExpiredEntitlements(ctx context.Context) (int, error)
	List(ctx context.Context, userID snowflake.ID) ([]Entitlement, error)
}

var (
	ErrSlotLimitExceeded    = errors.New("marketplace_slot_limit_exceeded")
	ErrDuplicateMarketplace = errors.New("duplicate_marketplace")

	ErrInvalidMarketplace = errors.New("invalid_marketplace")
	ErrInvalidSource      = errors.New("invalid_source")
	ErrInvalidBotType     = errors.New("invalid_bot_type")
	ErrInvalidUser        = errors.New("invalid_user")
)

// IsConflict reports whether err rejects a request that conflicts with current grants.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotLimitExceeded) || errors.Is(err, ErrDuplicateMarketplace)
}
