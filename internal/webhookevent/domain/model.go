package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CanonicalType is the closed set of event categories every provider event maps onto.
// Unknown provider types are carried as their upper-cased raw value and are not canonical.
type CanonicalType string

const (
	PaymentConfirmed     CanonicalType = "PAYMENT_CONFIRMED"
	SubscriptionRenewed  CanonicalType = "SUBSCRIPTION_RENEWED"
	Refund               CanonicalType = "REFUND"
	Chargeback           CanonicalType = "CHARGEBACK"
	SubscriptionCanceled CanonicalType = "SUBSCRIPTION_CANCELED"
)

// CanonicalTypes lists every canonical type. Dispatch tables are checked against it.
func CanonicalTypes() []CanonicalType {
	return []CanonicalType{
		PaymentConfirmed,
		SubscriptionRenewed,
		Refund,
		Chargeback,
		SubscriptionCanceled,
	}
}

func (t CanonicalType) IsCanonical() bool {
	for _, c := range CanonicalTypes() {
		if c == t {
			return true
		}
	}
	return false
}

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusProcessed  ProcessingStatus = "PROCESSED"
	StatusError      ProcessingStatus = "ERROR"
)

// WebhookEvent is one inbound provider event, keyed by the provider's event id.
type WebhookEvent struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	ExternalEventID  string            `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_event_id"`
	Provider         string            `gorm:"type:varchar(64);not null" json:"provider"`
	RawType          string            `gorm:"type:varchar(128)" json:"raw_type"`
	NormalizedType   CanonicalType     `gorm:"type:varchar(64);not null;index" json:"normalized_type"`
	RawPayload       datatypes.JSON    `gorm:"not null" json:"raw_payload"`
	RawHeaders       datatypes.JSONMap `json:"raw_headers,omitempty"`
	Signature        string            `gorm:"type:varchar(255)" json:"-"`
	ProcessingStatus ProcessingStatus  `gorm:"type:varchar(16);not null;index:idx_webhook_events_status_received" json:"processing_status"`
	Attempts         int               `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
	ClaimedAt        *time.Time        `json:"claimed_at,omitempty"`
	ReceivedAt       time.Time         `gorm:"not null;index:idx_webhook_events_status_received" json:"received_at"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
	ProcessingError  *string           `gorm:"type:text" json:"processing_error,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// AuditView is the subset of an event recorded in audit before/after snapshots.
func (e WebhookEvent) AuditView() map[string]any {
	view := map[string]any{
		"external_event_id": e.ExternalEventID,
		"normalized_type":   string(e.NormalizedType),
		"processing_status": string(e.ProcessingStatus),
		"attempts":          e.Attempts,
	}
	if e.ProcessingError != nil {
		view["processing_error"] = *e.ProcessingError
	}
	return view
}
