package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/clock"
	paymentdomain "github.com/smallbiznis/botbilling/internal/payment/domain"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCurrency = "BRL"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	AuditSvc auditdomain.Service
	Repo     paymentdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	auditSvc auditdomain.Service
	repo     paymentdomain.Repository
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		auditSvc: p.AuditSvc,
		repo:     p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, req paymentdomain.RecordRequest) (*paymentdomain.Payment, bool, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return nil, false, paymentdomain.ErrInvalidProvider
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		transactionID = strings.TrimSpace(req.ExternalEventID)
	}
	if transactionID == "" {
		return nil, false, paymentdomain.ErrInvalidTransaction
	}
	if req.Amount < 0 {
		return nil, false, paymentdomain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	now := s.clock.Now()
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}

	payment := paymentdomain.Payment{
		ID:              s.genID.Generate(),
		UserID:          req.UserID,
		Provider:        provider,
		TransactionID:   transactionID,
		ExternalEventID: strings.TrimSpace(req.ExternalEventID),
		Amount:          req.Amount,
		Currency:        currency,
		Status:          paymentdomain.StatusPaid,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		PaidAt:          paidAt.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	db := pkgdb.Conn(ctx, s.db)
	created, err := s.repo.Insert(ctx, db, &payment)
	if err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		return nil, false, err
	}
	if !created {
		existing, err := s.repo.FindByTransactionID(ctx, db, provider, transactionID)
		if err != nil {
			return nil, false, err
		}
		s.log.Info("payment already recorded",
			zap.String("provider", provider),
			zap.String("transaction_id", transactionID),
		)
		return existing, false, nil
	}

	actor := payment.UserID
	_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorUserID: &actor,
		Action:      "payment.recorded",
		EntityType:  auditdomain.EntityPayment,
		EntityID:    payment.ID.String(),
		After:       payment,
		Metadata: map[string]any{
			"provider":       provider,
			"transaction_id": transactionID,
		},
	})
	return &payment, true, nil
}

func (s *Service) MarkStatus(ctx context.Context, provider, transactionID string, status paymentdomain.Status) (*paymentdomain.Payment, error) {
	if status != paymentdomain.StatusRefunded && status != paymentdomain.StatusChargeback {
		return nil, fmt.Errorf("%w: %s", paymentdomain.ErrInvalidStatus, status)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, nil
	}

	db := pkgdb.Conn(ctx, s.db)
	payment, err := s.repo.FindByTransactionID(ctx, db, provider, transactionID)
	if err != nil || payment == nil {
		return nil, err
	}

	before := *payment
	now := s.clock.Now()
	rows, err := s.repo.UpdateStatus(ctx, db, payment.ID, status, status.Precedes(), now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return payment, nil
	}
	payment.Status = status
	payment.UpdatedAt = now

	actor := payment.UserID
	_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorUserID: &actor,
		Action:      "payment." + string(status),
		EntityType:  auditdomain.EntityPayment,
		EntityID:    payment.ID.String(),
		Before:      before,
		After:       payment,
	})
	return payment, nil
}
