package normalize

import (
	"strings"

	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
)

var eventTypeAliases = map[string]domain.CanonicalType{
	"order_paid":        domain.PaymentConfirmed,
	"order.paid":        domain.PaymentConfirmed,
	"order_approved":    domain.PaymentConfirmed,
	"order.approved":    domain.PaymentConfirmed,
	"purchase":          domain.PaymentConfirmed,
	"purchase_approved": domain.PaymentConfirmed,
	"purchase.approved": domain.PaymentConfirmed,
	"payment_confirmed": domain.PaymentConfirmed,
	"payment.confirmed": domain.PaymentConfirmed,
	"payment_succeeded": domain.PaymentConfirmed,
	"payment.succeeded": domain.PaymentConfirmed,
	"paid":              domain.PaymentConfirmed,
	"approved":          domain.PaymentConfirmed,
	"compra_aprovada":   domain.PaymentConfirmed,

	"subscription_renewed": domain.SubscriptionRenewed,
	"subscription.renewed": domain.SubscriptionRenewed,
	"subscription_renewal": domain.SubscriptionRenewed,
	"subscription.renewal": domain.SubscriptionRenewed,
	"renewal":              domain.SubscriptionRenewed,
	"renewed":              domain.SubscriptionRenewed,
	"recurring_payment":    domain.SubscriptionRenewed,
	"assinatura_renovada":  domain.SubscriptionRenewed,

	"refund":             domain.Refund,
	"refunded":           domain.Refund,
	"order_refunded":     domain.Refund,
	"order.refunded":     domain.Refund,
	"purchase_refunded":  domain.Refund,
	"purchase.refunded":  domain.Refund,
	"payment.refunded":   domain.Refund,
	"compra_reembolsada": domain.Refund,

	"chargeback":          domain.Chargeback,
	"chargedback":         domain.Chargeback,
	"order_chargeback":    domain.Chargeback,
	"order.chargeback":    domain.Chargeback,
	"order_chargedback":   domain.Chargeback,
	"purchase_chargeback": domain.Chargeback,
	"purchase.chargeback": domain.Chargeback,
	"payment.chargeback":  domain.Chargeback,
	"dispute.created":     domain.Chargeback,

	"subscription_canceled":  domain.SubscriptionCanceled,
	"subscription.canceled":  domain.SubscriptionCanceled,
	"subscription_cancelled": domain.SubscriptionCanceled,
	"subscription.cancelled": domain.SubscriptionCanceled,
	"subscription_cancel":    domain.SubscriptionCanceled,
	"subscription.cancel":    domain.SubscriptionCanceled,
	"canceled":               domain.SubscriptionCanceled,
	"cancelled":              domain.SubscriptionCanceled,
	"assinatura_cancelada":   domain.SubscriptionCanceled,
}

// EventType maps a provider event name onto its canonical type. Unknown names are
// upper-cased and passed through so dispatch can ignore them without losing the value.
func EventType(raw string) domain.CanonicalType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if canonical, ok := eventTypeAliases[key]; ok {
		return canonical
	}
	if canonical := domain.CanonicalType(strings.ToUpper(key)); canonical.IsCanonical() {
		return canonical
	}
	return domain.CanonicalType(strings.ToUpper(strings.TrimSpace(raw)))
}
