package processor

import (
	"context"
	"strings"

	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/normalize"
	"github.com/smallbiznis/botbilling/internal/webhookevent/signature"
	"go.uber.org/zap"
)

// IngestRequest is one webhook delivery as handed over by the transport.
type IngestRequest struct {
	Provider  string
	Payload   []byte
	Signature string
	Timestamp string
	Headers   map[string]string
}

type IngestResult struct {
	Event *domain.WebhookEvent
	// Duplicate is true when the event id was already stored; nothing was changed.
	Duplicate bool
	// ProcessErr carries the inline processing failure. The event itself was accepted.
	ProcessErr error
}

// Ingest authenticates, normalizes and stores a delivery. Validation failures return a
// domain validation error and never create a row.
func (p *Processor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = p.webhook.DefaultProvider
	}

	validator := signature.NewValidator(p.clock, p.policy.Get().SignatureTolerance)
	if !validator.Validate(req.Payload, req.Signature, req.Timestamp, p.webhook.Secret) {
		p.obsMetrics.RecordWebhookReceived(ctx, provider, "invalid_signature")
		return IngestResult{}, domain.ErrInvalidSignature
	}

	payload, err := normalize.ParsePayload(req.Payload)
	if err != nil {
		p.obsMetrics.RecordWebhookReceived(ctx, provider, "invalid_payload")
		return IngestResult{}, err
	}

	rawType := normalize.ExtractEventType(payload)
	if rawType == "" {
		p.obsMetrics.RecordWebhookReceived(ctx, provider, "missing_event_type")
		return IngestResult{}, domain.ErrMissingEventType
	}

	eventID := normalize.ExtractEventID(payload)
	if eventID == "" {
		eventID = headerValue(req.Headers, p.webhook.EventIDHeader)
	}
	if eventID == "" {
		p.obsMetrics.RecordWebhookReceived(ctx, provider, "missing_event_id")
		return IngestResult{}, domain.ErrMissingEventID
	}

	event, created, err := p.store.Persist(ctx, domain.PersistRequest{
		ExternalEventID: eventID,
		Provider:        provider,
		RawType:         rawType,
		Payload:         req.Payload,
		Headers:         req.Headers,
		Signature:       req.Signature,
	})
	if err != nil {
		return IngestResult{}, err
	}

	result := IngestResult{Event: event, Duplicate: !created}
	if !created {
		p.obsMetrics.RecordWebhookReceived(ctx, provider, "duplicate")
		return result, nil
	}
	p.obsMetrics.RecordWebhookReceived(ctx, provider, "accepted")

	if p.webhook.ProcessInline {
		result.ProcessErr = p.ProcessEvent(ctx, event.ExternalEventID)
		if result.ProcessErr != nil {
			p.log.Warn("inline processing failed, left for retry",
				zap.String("external_event_id", event.ExternalEventID),
				zap.Error(result.ProcessErr),
			)
		}
		if refreshed, err := p.store.Get(ctx, event.ExternalEventID); err == nil {
			result.Event = refreshed
		}
	}
	return result, nil
}

func headerValue(headers map[string]string, name string) string {
	if name == "" {
		return ""
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
