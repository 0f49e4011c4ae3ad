package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BotType names a bot whose access can be granted by a plan or a promo.
type BotType string

const (
	BotPromo      BotType = "PROMO"
	BotDownload   BotType = "DOWNLOAD"
	BotPinterest  BotType = "PINTEREST"
	BotSuggestion BotType = "SUGGESTION"
)

func BotTypes() []BotType {
	return []BotType{BotPromo, BotDownload, BotPinterest, BotSuggestion}
}

func ParseBotType(raw string) (BotType, bool) {
	candidate := BotType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, bot := range BotTypes() {
		if bot == candidate {
			return bot, true
		}
	}
	return "", false
}

type Plan struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	Code             string       `json:"code" gorm:"type:text;not null;uniqueIndex:ux_plans_code"`
	Name             string       `json:"name" gorm:"type:text;not null"`
	MarketplaceSlots int          `json:"marketplace_slots" gorm:"not null;default:0"`
	PromoBot         bool         `json:"promo_bot" gorm:"not null;default:false"`
	DownloadBot      bool         `json:"download_bot" gorm:"not null;default:false"`
	PinterestBot     bool         `json:"pinterest_bot" gorm:"not null;default:false"`
	SuggestionBot    bool         `json:"suggestion_bot" gorm:"not null;default:false"`
	DurationMonths   int          `json:"duration_months" gorm:"not null;default:1"`
	IsActive         bool         `json:"is_active" gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

// IncludedBots lists the bots the plan grants, in BotTypes order.
func (p Plan) IncludedBots() []BotType {
	flags := map[BotType]bool{
		BotPromo:      p.PromoBot,
		BotDownload:   p.DownloadBot,
		BotPinterest:  p.PinterestBot,
		BotSuggestion: p.SuggestionBot,
	}
	bots := make([]BotType, 0, len(flags))
	for _, bot := range BotTypes() {
		if flags[bot] {
			bots = append(bots, bot)
		}
	}
	return bots
}

type MappingKind string

const (
	KindSubscription     MappingKind = "SUBSCRIPTION"
	KindAddonMarketplace MappingKind = "ADDON_MARKETPLACE"
	KindPromoTokenPack   MappingKind = "PROMO_TOKEN_PACK"
)

// ProductMapping ties a provider product to the effect a purchase of it has.
type ProductMapping struct {
	ID           snowflake.ID  `json:"id" gorm:"primaryKey"`
	ProductID    string        `json:"product_id" gorm:"type:text;not null;uniqueIndex:ux_product_mappings_product_id"`
	ProductName  string        `json:"product_name" gorm:"type:text;not null"`
	ProductSlug  string        `json:"product_slug" gorm:"type:text;not null;index:ix_product_mappings_slug"`
	Kind         MappingKind   `json:"kind" gorm:"type:text;not null"`
	PlanID       *snowflake.ID `json:"plan_id,omitempty"`
	Quantity     int           `json:"quantity" gorm:"not null;default:1"`
	BotType      BotType       `json:"bot_type,omitempty" gorm:"type:text;not null;default:''"`
	DurationDays int           `json:"duration_days" gorm:"not null;default:0"`
	IsActive     bool          `json:"is_active" gorm:"not null"`
	CreatedAt    time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time     `json:"updated_at" gorm:"not null"`
}

func (ProductMapping) TableName() string { return "product_mappings" }
