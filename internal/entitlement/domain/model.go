package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
)

type Type string

const (
	TypeMarketplaceSlot Type = "MARKETPLACE_SLOT"
	TypePromoAccess     Type = "PROMO_ACCESS"
	TypeBotAccess       Type = "BOT_ACCESS"
)

type Source string

const (
	SourcePlanIncluded   Source = "PLAN_INCLUDED"
	SourceAddonPurchased Source = "ADDON_PURCHASED"
	SourcePromo          Source = "PROMO"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

type Marketplace string

const (
	MarketplaceShopee       Marketplace = "SHOPEE"
	MarketplaceAmazon       Marketplace = "AMAZON"
	MarketplaceMagalu       Marketplace = "MAGALU"
	MarketplaceMercadoLivre Marketplace = "MERCADO_LIVRE"
	MarketplaceAliExpress   Marketplace = "ALIEXPRESS"
)

func Marketplaces() []Marketplace {
	return []Marketplace{
		MarketplaceShopee,
		MarketplaceAmazon,
		MarketplaceMagalu,
		MarketplaceMercadoLivre,
		MarketplaceAliExpress,
	}
}

// ParseMarketplace accepts any case and dashes or spaces in place of underscores.
func ParseMarketplace(raw string) (Marketplace, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, marketplace := range Marketplaces() {
		if Marketplace(normalized) == marketplace {
			return marketplace, true
		}
	}
	return "", false
}

// Entitlement is one independently revocable grant. An empty Marketplace on a slot
// means the slot is unassigned; a nil ExpiresAt means the grant does not expire.
type Entitlement struct {
	ID           snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID       snowflake.ID       `json:"user_id" gorm:"not null;index:ix_entitlements_user_status,priority:1"`
	Type         Type               `json:"type" gorm:"type:text;not null"`
	Source       Source             `json:"source" gorm:"type:text;not null"`
	Status       Status             `json:"status" gorm:"type:text;not null;index:ix_entitlements_user_status,priority:2"`
	BotType      plandomain.BotType `json:"bot_type,omitempty" gorm:"type:text;not null;default:''"`
	Marketplace  Marketplace        `json:"marketplace,omitempty" gorm:"type:text;not null;default:''"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	RevokedAt    *time.Time         `json:"revoked_at,omitempty"`
	RevokeReason string             `json:"revoke_reason,omitempty" gorm:"type:text;not null;default:''"`
	CreatedAt    time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time          `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// ValidAt reports whether the grant is active and not past its expiry at t.
func (e Entitlement) ValidAt(t time.Time) bool {
	return e.Status == StatusActive && (e.ExpiresAt == nil || e.ExpiresAt.After(t))
}

type MarketplaceSummary struct {
	Total     int           `json:"total"`
	Used      int           `json:"used"`
	Available int           `json:"available"`
	Selected  []Marketplace `json:"selected"`
}
