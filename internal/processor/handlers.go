package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/botbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	userdomain "github.com/smallbiznis/botbilling/internal/user/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/normalize"
	"go.uber.org/zap"
)

type handlerContext struct {
	Event *domain.WebhookEvent
	Data  normalize.PayloadData
	User  *userdomain.User
	Now   time.Time
}

type handlerFunc func(ctx context.Context, hc *handlerContext) error

// handlerFor returns nil for types outside the canonical set.
func (p *Processor) handlerFor(t domain.CanonicalType) handlerFunc {
	switch t {
	case domain.PaymentConfirmed:
		return p.handlePaymentConfirmed
	case domain.SubscriptionRenewed:
		return p.handleSubscriptionRenewed
	case domain.Refund:
		return p.handleRefund
	case domain.Chargeback:
		return p.handleChargeback
	case domain.SubscriptionCanceled:
		return p.handleSubscriptionCanceled
	default:
		return nil
	}
}

func (p *Processor) handlePaymentConfirmed(ctx context.Context, hc *handlerContext) error {
	payment, created, err := p.recordPayment(ctx, hc)
	if err != nil {
		return err
	}
	if !created {
		p.log.Info("payment already recorded, skipping effects",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("external_event_id", hc.Event.ExternalEventID),
		)
		return nil
	}

	mapping, err := p.planSvc.ResolveProduct(ctx, hc.Data.ProductID, hc.Data.ProductName)
	if err != nil {
		return fmt.Errorf("resolve product: %w", err)
	}
	if mapping == nil {
		if !hc.Data.HasSubscriptionSignal() {
			p.log.Warn("no product mapping, payment recorded without effects",
				zap.String("product_id", hc.Data.ProductID),
				zap.String("product_name", hc.Data.ProductName),
			)
			return nil
		}
		plan, err := p.planSvc.GetPlanByCode(ctx, p.policy.Get().DefaultPlanCode)
		if err != nil {
			return fmt.Errorf("default plan: %w", err)
		}
		return p.activate(ctx, hc, plan)
	}

	switch mapping.Kind {
	case plandomain.KindSubscription:
		if mapping.PlanID == nil {
			return fmt.Errorf("%w: mapping %s has no plan", plandomain.ErrPlanNotFound, mapping.ProductID)
		}
		plan, err := p.planSvc.GetPlan(ctx, *mapping.PlanID)
		if err != nil {
			return err
		}
		return p.activate(ctx, hc, plan)

	case plandomain.KindAddonMarketplace:
		expiresAt := addDays(hc.Now, mapping.DurationDays)
		for i := 0; i < max(mapping.Quantity, 1); i++ {
			if _, err := p.entitlementSvc.AddMarketplaceSlot(ctx, hc.User.ID, "", entitlementdomain.SourceAddonPurchased, expiresAt); err != nil {
				return err
			}
		}
		return nil

	case plandomain.KindPromoTokenPack:
		botType := mapping.BotType
		if botType == "" {
			botType = plandomain.BotPromo
		}
		_, err := p.entitlementSvc.AddPromoAccess(ctx, hc.User.ID, botType, addDays(hc.Now, mapping.DurationDays))
		return err

	default:
		return fmt.Errorf("%w: %s", plandomain.ErrInvalidKind, mapping.Kind)
	}
}

func (p *Processor) activate(ctx context.Context, hc *handlerContext, plan *plandomain.Plan) error {
	expiresAt := hc.Now.AddDate(0, max(plan.DurationMonths, 1), 0)
	if hc.Data.SubscriptionExpiresAt != nil && hc.Data.SubscriptionExpiresAt.After(hc.Now) {
		expiresAt = *hc.Data.SubscriptionExpiresAt
	}

	metadata := map[string]any{"externalEventId": hc.Event.ExternalEventID}
	if hc.Data.SubscriptionID != "" {
		metadata["providerSubscriptionId"] = hc.Data.SubscriptionID
	}
	_, err := p.subscriptionSvc.Activate(ctx, subscriptiondomain.ActivateRequest{
		UserID:             hc.User.ID,
		PlanID:             plan.ID,
		ExpiresAt:          expiresAt,
		ExternalCustomerID: hc.Data.CustomerID,
		Metadata:           metadata,
	})
	return err
}

func (p *Processor) handleSubscriptionRenewed(ctx context.Context, hc *handlerContext) error {
	payment, created, err := p.recordPayment(ctx, hc)
	if err != nil {
		return err
	}
	if !created {
		p.log.Info("renewal payment already recorded, skipping effects",
			zap.String("transaction_id", payment.TransactionID),
		)
		return nil
	}

	// A renewal that overtakes its activation fails here and is retried with backoff.
	current, err := p.subscriptionSvc.Get(ctx, hc.User.ID)
	if err != nil {
		return err
	}

	expiresAt := hc.Data.SubscriptionExpiresAt
	if expiresAt == nil {
		base := hc.Now
		if current.ExpiresAt.After(base) {
			base = current.ExpiresAt
		}
		next := base.AddDate(0, p.policy.Get().RenewalMonths, 0)
		expiresAt = &next
	}
	_, err = p.subscriptionSvc.Renew(ctx, hc.User.ID, *expiresAt)
	return err
}

func (p *Processor) handleRefund(ctx context.Context, hc *handlerContext) error {
	if err := p.markPayment(ctx, hc, paymentdomain.StatusRefunded); err != nil {
		return err
	}
	_, err := p.subscriptionSvc.Refund(ctx, hc.User.ID)
	if err := p.skipMissing(hc, err); err != nil {
		return err
	}
	// The subscription may be unable to move; the plan grants still go.
	_, err = p.entitlementSvc.RevokeEntitlements(ctx, hc.User.ID, entitlementdomain.SourcePlanIncluded, "refund")
	return err
}

func (p *Processor) handleChargeback(ctx context.Context, hc *handlerContext) error {
	if err := p.markPayment(ctx, hc, paymentdomain.StatusChargeback); err != nil {
		return err
	}
	_, err := p.subscriptionSvc.Chargeback(ctx, hc.User.ID)
	if err := p.skipMissing(hc, err); err != nil {
		return err
	}
	// Every grant goes, with or without a subscription that could transition.
	_, err = p.entitlementSvc.RevokeEntitlements(ctx, hc.User.ID, "", "chargeback")
	return err
}

func (p *Processor) handleSubscriptionCanceled(ctx context.Context, hc *handlerContext) error {
	_, err := p.subscriptionSvc.Cancel(ctx, hc.User.ID)
	return p.skipMissing(hc, err)
}

func (p *Processor) recordPayment(ctx context.Context, hc *handlerContext) (*paymentdomain.Payment, bool, error) {
	paidAt := hc.Now
	if hc.Data.ApprovedAt != nil {
		paidAt = *hc.Data.ApprovedAt
	}
	return p.paymentSvc.Record(ctx, paymentdomain.RecordRequest{
		UserID:          hc.User.ID,
		Provider:        hc.Event.Provider,
		TransactionID:   hc.Data.TransactionID,
		ExternalEventID: hc.Event.ExternalEventID,
		Amount:          hc.Data.AmountCents,
		Currency:        hc.Data.Currency,
		PaymentMethod:   hc.Data.PaymentMethod,
		PaidAt:          paidAt,
	})
}

func (p *Processor) markPayment(ctx context.Context, hc *handlerContext, status paymentdomain.Status) error {
	if hc.Data.TransactionID == "" {
		p.log.Warn("event carries no transaction id, payment left untouched",
			zap.String("external_event_id", hc.Event.ExternalEventID),
			zap.String("status", string(status)),
		)
		return nil
	}
	payment, err := p.paymentSvc.MarkStatus(ctx, hc.Event.Provider, hc.Data.TransactionID, status)
	if err != nil {
		return err
	}
	if payment == nil {
		p.log.Warn("payment not found for status update",
			zap.String("transaction_id", hc.Data.TransactionID),
			zap.String("status", string(status)),
		)
	}
	return nil
}

// skipMissing treats a missing subscription or an already-final one as nothing to do.
func (p *Processor) skipMissing(hc *handlerContext, err error) error {
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) || errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		p.log.Warn("subscription transition skipped",
			zap.String("external_event_id", hc.Event.ExternalEventID),
			zap.String("normalized_type", string(hc.Event.NormalizedType)),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func addDays(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, days)
	return &t
}
