package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	"gorm.io/gorm"
)

const (
	defaultPlanName  = "Basic"
	defaultPlanSlots = 1
)

// EnsureDefaultPlan creates the fallback plan used when a subscription signal arrives
// for an unmapped product. An existing plan with the code is left untouched.
func EnsureDefaultPlan(ctx context.Context, db *gorm.DB, node *snowflake.Node, code string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if node == nil {
		return errors.New("seed id generator is required")
	}
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan plandomain.Plan
		err := tx.WithContext(ctx).Where("code = ?", code).First(&plan).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		plan = plandomain.Plan{
			ID:               node.Generate(),
			Code:             code,
			Name:             defaultPlanName,
			MarketplaceSlots: defaultPlanSlots,
			PromoBot:         true,
			DurationMonths:   1,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.WithContext(ctx).Create(&plan).Error
	})
}
