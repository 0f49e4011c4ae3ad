// Package domain contains the subscription lifecycle model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusPendingConfirmation SubscriptionStatus = "PENDING_CONFIRMATION"
	StatusActive              SubscriptionStatus = "ACTIVE"
	StatusGrace               SubscriptionStatus = "GRACE"
	StatusPastDue             SubscriptionStatus = "PAST_DUE"
	StatusCanceled            SubscriptionStatus = "CANCELED"
	StatusExpired             SubscriptionStatus = "EXPIRED"
	StatusRefunded            SubscriptionStatus = "REFUNDED"
	StatusChargeback          SubscriptionStatus = "CHARGEBACK"
)

// Subscription is the single live subscription row of a user.
type Subscription struct {
	ID                 snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID             snowflake.ID       `json:"user_id" gorm:"not null;uniqueIndex:ux_subscriptions_user_id"`
	PlanID             snowflake.ID       `json:"plan_id" gorm:"not null;index"`
	Status             SubscriptionStatus `json:"status" gorm:"type:text;not null;index:ix_subscriptions_status_expires,priority:1"`
	ExpiresAt          time.Time          `json:"expires_at" gorm:"not null;index:ix_subscriptions_status_expires,priority:2"`
	GraceUntil         *time.Time         `json:"grace_until,omitempty"`
	ExternalCustomerID *string            `json:"external_customer_id,omitempty" gorm:"type:text;index"`
	StatusChangedAt    time.Time          `json:"status_changed_at" gorm:"not null"`
	Metadata           datatypes.JSONMap  `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt          time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time          `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// GrantsAccessAt applies the access rule of the subscription alone: ACTIVE and CANCELED
// until expiry, GRACE until the grace deadline.
func (s Subscription) GrantsAccessAt(t time.Time) bool {
	switch s.Status {
	case StatusActive, StatusCanceled:
		return s.ExpiresAt.After(t)
	case StatusGrace:
		return s.GraceUntil != nil && s.GraceUntil.After(t)
	default:
		return false
	}
}
