package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindByTransactionID(ctx context.Context, db *gorm.DB, provider, transactionID string) (*Payment, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, from []Status, at time.Time) (int64, error)
}

type RecordRequest struct {
	UserID          snowflake.ID
	Provider        string
	TransactionID   string
	ExternalEventID string
	Amount          int64
	Currency        string
	PaymentMethod   string
	PaidAt          time.Time
}

type Service interface {
	// Record stores a paid payment. A second call for the same provider and transaction
	// returns the stored row with created=false.
	Record(ctx context.Context, req RecordRequest) (payment *Payment, created bool, err error)
	// MarkStatus advances the payment located by transaction id. A payment that is
	// missing is reported as (nil, nil).
	MarkStatus(ctx context.Context, provider, transactionID string, status Status) (*Payment, error)
}

var (
	ErrInvalidTransaction = errors.New("invalid_transaction_id")
	ErrInvalidProvider    = errors.New("invalid_provider")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidStatus      = errors.New("invalid_payment_status")
)
