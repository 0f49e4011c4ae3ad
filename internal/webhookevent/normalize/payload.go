package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
)

// PayloadData is the provider-independent view of an event payload. Missing fields
// are left at their zero value.
type PayloadData struct {
	CustomerID    string
	CustomerEmail string
	CustomerName  string

	TransactionID string
	ProductID     string
	ProductName   string
	AmountCents   int64
	Currency      string

	SubscriptionID        string
	SubscriptionStatus    string
	SubscriptionExpiresAt *time.Time
	PlanName              string

	PaymentMethod string
	OrderStatus   string
	ApprovedAt    *time.Time
}

// HasSubscriptionSignal reports whether the payload describes a recurring purchase.
func (p PayloadData) HasSubscriptionSignal() bool {
	return p.SubscriptionID != "" || p.SubscriptionStatus != "" || p.PlanName != ""
}

// ParsePayload decodes a JSON object, keeping numbers as json.Number.
func ParsePayload(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", domain.ErrInvalidPayload)
	}
	return payload, nil
}

var eventTypeFields = []string{
	"event",
	"event_type",
	"type",
	"webhook_event_type",
	"data.event",
	"data.type",
	"order_status",
}

// ExtractEventType finds the event name across the nested envelope and the legacy flat shape.
func ExtractEventType(payload map[string]any) string {
	return firstString(payload, eventTypeFields...)
}

var eventIDFields = []string{
	"event_id",
	"webhook_id",
	"id",
	"data.event_id",
}

// ExtractEventID returns the provider's event id. Legacy flat payloads carry no event id,
// so the order id combined with the order status identifies the delivery.
func ExtractEventID(payload map[string]any) string {
	if id := firstString(payload, eventIDFields...); id != "" {
		return id
	}
	orderID := firstString(payload, "order_id", "data.order_id")
	if orderID == "" {
		return ""
	}
	status := strings.ToLower(firstString(payload, "order_status", "webhook_event_type", "data.status"))
	if status == "" {
		return orderID
	}
	return orderID + ":" + status
}

// ExtractPayloadData normalizes field extraction over both payload shapes.
func ExtractPayloadData(payload map[string]any) PayloadData {
	data := PayloadData{
		CustomerID: firstString(payload,
			"data.customer.id", "data.customer_id", "customer.id", "customer_id",
			"Customer.id", "Customer.customer_id"),
		CustomerEmail: strings.ToLower(firstString(payload,
			"data.customer.email", "data.customer_email", "customer.email", "customer_email",
			"Customer.email")),
		CustomerName: firstString(payload,
			"data.customer.name", "customer.name", "Customer.full_name", "Customer.first_name"),

		TransactionID: firstString(payload,
			"data.transaction_id", "data.order_id", "data.id", "transaction_id", "order_id", "sale_id"),
		ProductID: firstString(payload,
			"data.product.id", "data.product_id", "product.id", "product_id", "Product.product_id"),
		ProductName: firstString(payload,
			"data.product.name", "data.product_name", "product.name", "product_name", "Product.product_name"),
		Currency: strings.ToUpper(firstString(payload,
			"data.currency", "currency", "Commissions.currency", "Commissions.product_base_price_currency")),

		SubscriptionID: firstString(payload,
			"data.subscription.id", "data.subscription_id", "subscription.id", "subscription_id",
			"Subscription.id"),
		SubscriptionStatus: strings.ToLower(firstString(payload,
			"data.subscription.status", "subscription.status", "Subscription.status")),
		PlanName: firstString(payload,
			"data.subscription.plan.name", "data.subscription.plan_name", "data.plan_name",
			"subscription.plan.name", "plan_name", "Subscription.plan.name"),

		PaymentMethod: strings.ToLower(firstString(payload,
			"data.payment_method", "payment_method", "data.payment.method")),
		OrderStatus: strings.ToLower(firstString(payload,
			"data.status", "data.order_status", "order_status")),
	}

	data.AmountCents = extractAmountCents(payload)
	data.SubscriptionExpiresAt = firstTime(payload,
		"data.subscription.expires_at", "data.subscription.current_period_end",
		"data.subscription.next_payment", "data.expires_at",
		"subscription.expires_at", "Subscription.next_payment", "expires_at")
	data.ApprovedAt = firstTime(payload,
		"data.approved_at", "data.paid_at", "approved_at", "approved_date", "paid_at")
	return data
}

func extractAmountCents(payload map[string]any) int64 {
	for _, path := range []string{"data.amount_cents", "data.amount_in_cents", "amount_cents", "amount_in_cents"} {
		if value, ok := lookup(payload, path); ok {
			if amount, ok := toDecimal(value); ok {
				return amount.Round(0).IntPart()
			}
		}
	}
	for _, path := range []string{"data.amount", "data.total", "amount", "Commissions.charge_amount", "charge_amount"} {
		if value, ok := lookup(payload, path); ok {
			if amount, ok := toDecimal(value); ok {
				return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
			}
		}
	}
	return 0
}

func lookup(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

func firstString(payload map[string]any, paths ...string) string {
	for _, path := range paths {
		value, ok := lookup(payload, path)
		if !ok {
			continue
		}
		if s := toString(value); s != "" {
			return s
		}
	}
	return ""
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func toDecimal(value any) (decimal.Decimal, bool) {
	raw := toString(value)
	if raw == "" {
		return decimal.Zero, false
	}
	raw = strings.ReplaceAll(raw, ",", ".")
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func firstTime(payload map[string]any, paths ...string) *time.Time {
	for _, path := range paths {
		value, ok := lookup(payload, path)
		if !ok {
			continue
		}
		if t, ok := parseTime(value); ok {
			return &t
		}
	}
	return nil
}

func parseTime(value any) (time.Time, bool) {
	raw := toString(value)
	if raw == "" {
		return time.Time{}, false
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if unix > 1_000_000_000_000 {
			return time.UnixMilli(unix).UTC(), true
		}
		return time.Unix(unix, 0).UTC(), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
