package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	InsertMapping(ctx context.Context, db *gorm.DB, mapping *ProductMapping) error
	FindMappingByProductID(ctx context.Context, db *gorm.DB, productID string) (*ProductMapping, error)
	FindMappingBySlug(ctx context.Context, db *gorm.DB, productSlug string) (*ProductMapping, error)
}

type CreatePlanRequest struct {
	Code             string
	Name             string
	MarketplaceSlots int
	Bots             []BotType
	DurationMonths   int
}

type CreateMappingRequest struct {
	ProductID    string
	ProductName  string
	Kind         MappingKind
	PlanCode     string
	Quantity     int
	BotType      BotType
	DurationDays int
}

// Service resolves products and plans for the event processor. Lookups are cached.
type Service interface {
	// ResolveProduct matches by product id first, then by the slug of the product name.
	// It returns (nil, nil) when nothing matches.
	ResolveProduct(ctx context.Context, productID, productName string) (*ProductMapping, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	CreateMapping(ctx context.Context, req CreateMappingRequest) (*ProductMapping, error)
	SweepCache() int
}

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPlanInactive    = errors.New("plan_inactive")
	ErrInvalidCode     = errors.New("invalid_code")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidProduct  = errors.New("invalid_product")
	ErrInvalidKind     = errors.New("invalid_mapping_kind")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrDuplicateCode   = errors.New("duplicate_code")
)
