package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditLogEntry is an append-only record of one state change.
type AuditLogEntry struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorUserID *snowflake.ID     `gorm:"index" json:"actor_user_id,omitempty"`
	Action      string            `gorm:"type:varchar(64);not null;index" json:"action"`
	EntityType  string            `gorm:"type:varchar(64);not null;index:idx_audit_entity" json:"entity_type"`
	EntityID    string            `gorm:"type:varchar(128);not null;index:idx_audit_entity" json:"entity_id"`
	Before      datatypes.JSON    `json:"before,omitempty"`
	After       datatypes.JSON    `json:"after,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLogEntry) TableName() string { return "audit_logs" }

// Entity types recorded by the pipeline.
const (
	EntityWebhookEvent = "webhook_event"
	EntitySubscription = "subscription"
	EntityEntitlement  = "entitlement"
	EntityPayment      = "payment"
)
