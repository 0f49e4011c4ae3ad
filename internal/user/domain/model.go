package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User is the bot platform account that billing events are applied to.
type User struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	Email              string       `json:"email" gorm:"type:text;not null;default:'';index:ix_users_email"`
	ExternalCustomerID *string      `json:"external_customer_id,omitempty" gorm:"type:text;index:ix_users_external_customer_id"`
	TelegramChatID     *string      `json:"telegram_chat_id,omitempty" gorm:"type:text"`
	DisplayName        string       `json:"display_name" gorm:"type:text;not null;default:''"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }
