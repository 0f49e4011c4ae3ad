package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPaid       Status = "paid"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "chargeback"
)

// rank orders statuses so that a payment only ever moves forward.
func (s Status) rank() int {
	switch s {
	case StatusPaid:
		return 1
	case StatusRefunded:
		return 2
	case StatusChargeback:
		return 3
	default:
		return 0
	}
}

// Precedes returns the statuses a payment may hold before moving to s.
func (s Status) Precedes() []Status {
	var before []Status
	for _, candidate := range []Status{StatusPaid, StatusRefunded, StatusChargeback} {
		if candidate.rank() < s.rank() {
			before = append(before, candidate)
		}
	}
	return before
}

// Payment is the immutable record of a confirmed or renewed charge. Only Status changes.
type Payment struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID          snowflake.ID `json:"user_id" gorm:"not null;index:ix_payments_user_id"`
	Provider        string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payments_provider_transaction,priority:1"`
	TransactionID   string       `json:"transaction_id" gorm:"type:text;not null;uniqueIndex:ux_payments_provider_transaction,priority:2"`
	ExternalEventID string       `json:"external_event_id" gorm:"type:text;not null"`
	Amount          int64        `json:"amount" gorm:"not null"`
	Currency        string       `json:"currency" gorm:"type:text;not null"`
	Status          Status       `json:"status" gorm:"type:text;not null"`
	PaymentMethod   string       `json:"payment_method" gorm:"type:text;not null;default:''"`
	PaidAt          time.Time    `json:"paid_at" gorm:"not null"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }
