package processor

import (
	"context"
	"errors"
	"fmt"

	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"github.com/smallbiznis/botbilling/internal/lock"
	obscontext "github.com/smallbiznis/botbilling/internal/observability/context"
	"github.com/smallbiznis/botbilling/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	"github.com/smallbiznis/botbilling/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/botbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	userdomain "github.com/smallbiznis/botbilling/internal/user/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/normalize"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeProcessed = "processed"
	outcomeIgnored   = "ignored"
	outcomeUnknown   = "unresolved_user"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Config          config.Config
	Policy          *config.PolicyHolder
	Store           domain.Service
	Users           userdomain.Resolver
	PlanSvc         plandomain.Service
	PaymentSvc      paymentdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	EntitlementSvc  entitlementdomain.Service
	AuditSvc        auditdomain.Service
	Locker          lock.Locker
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

// Processor applies stored webhook events to subscriptions, entitlements and payments.
type Processor struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	webhook         config.WebhookConfig
	policy          *config.PolicyHolder
	store           domain.Service
	users           userdomain.Resolver
	planSvc         plandomain.Service
	paymentSvc      paymentdomain.Service
	subscriptionSvc subscriptiondomain.Service
	entitlementSvc  entitlementdomain.Service
	auditSvc        auditdomain.Service
	locker          lock.Locker
	obsMetrics      *obsmetrics.Metrics
	tracer          trace.Tracer
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:              p.DB,
		log:             p.Log.Named("processor"),
		clock:           p.Clock,
		webhook:         p.Config.Webhook,
		policy:          p.Policy,
		store:           p.Store,
		users:           p.Users,
		planSvc:         p.PlanSvc,
		paymentSvc:      p.PaymentSvc,
		subscriptionSvc: p.SubscriptionSvc,
		entitlementSvc:  p.EntitlementSvc,
		auditSvc:        p.AuditSvc,
		locker:          p.Locker,
		obsMetrics:      p.ObsMetrics,
		tracer:          otel.Tracer("botbilling/processor"),
	}
}

// ProcessEvent applies one stored event. A PROCESSED event is a no-op; an event another
// worker holds returns domain.ErrEventInFlight. Handler failures mark the event ERROR and
// come back as *HandlerError.
func (p *Processor) ProcessEvent(ctx context.Context, externalEventID string) (err error) {
	event, err := p.store.Get(ctx, externalEventID)
	if err != nil {
		return err
	}
	if event.ProcessingStatus == domain.StatusProcessed {
		return nil
	}

	ctx, _ = obscontext.EnsureCorrelationID(ctx)
	ctx = obscontext.WithEventID(ctx, event.ExternalEventID)
	ctx, span := p.tracer.Start(ctx, "webhook.process", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("webhook.event_id", event.ExternalEventID),
		attribute.String("webhook.event_type", string(event.NormalizedType)),
		attribute.String("webhook.provider", event.Provider),
	)...))
	defer func() {
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "process failed")
		}
		span.End()
	}()
	log := logger.WithContext(ctx, p.log)

	claimed, err := p.store.Claim(ctx, event.ExternalEventID)
	if err != nil {
		return err
	}

	start := p.clock.Now()
	outcome, runErr := p.run(ctx, claimed)
	elapsed := p.clock.Now().Sub(start)
	if runErr == nil {
		p.obsMetrics.RecordEventProcessed(ctx, string(claimed.NormalizedType), outcome, elapsed)
		log.Info("webhook event processed",
			zap.String("event_type", string(claimed.NormalizedType)),
			zap.String("outcome", outcome),
			zap.Int("attempt", claimed.Attempts),
		)
		return nil
	}

	outcome = outcomeError
	if IsTimeout(runErr) {
		outcome = outcomeTimeout
	}
	p.obsMetrics.RecordEventProcessed(ctx, string(claimed.NormalizedType), outcome, elapsed)

	failed, failErr := p.store.FailClaimed(ctx, claimed.ExternalEventID, runErr.Error())
	if failErr != nil {
		log.Error("failed to record processing error", zap.Error(failErr))
	}
	if failErr == nil && !failed {
		// The handler committed after the deadline fired; its result stands.
		log.Warn("handler finished after timeout", zap.Error(runErr))
		return nil
	}

	_ = p.auditSvc.Record(ctx, auditdomain.RecordRequest{
		Action:     "webhook.failed",
		EntityType: auditdomain.EntityWebhookEvent,
		EntityID:   claimed.ExternalEventID,
		After:      claimed.AuditView(),
		Metadata: map[string]any{
			"eventType": string(claimed.NormalizedType),
			"attempt":   claimed.Attempts,
			"error":     runErr.Error(),
		},
	})
	log.Error("webhook event failed",
		zap.String("event_type", string(claimed.NormalizedType)),
		zap.Int("attempt", claimed.Attempts),
		zap.Error(runErr),
	)
	return &HandlerError{EventID: claimed.ExternalEventID, EventType: claimed.NormalizedType, Err: runErr}
}

// run resolves the user, serializes on them and applies the handler under the
// configured timeout.
func (p *Processor) run(ctx context.Context, event *domain.WebhookEvent) (string, error) {
	payload, err := normalize.ParsePayload(event.RawPayload)
	if err != nil {
		return "", err
	}
	hc := &handlerContext{
		Event: event,
		Data:  normalize.ExtractPayloadData(payload),
	}

	handler := p.handlerFor(event.NormalizedType)
	if handler == nil {
		p.log.Warn("no handler for event type, ignoring",
			zap.String("external_event_id", event.ExternalEventID),
			zap.String("raw_type", event.RawType),
			zap.String("normalized_type", string(event.NormalizedType)),
		)
		return outcomeIgnored, p.complete(ctx, event, outcomeIgnored)
	}

	user, err := p.users.Resolve(ctx, hc.Data.CustomerID, hc.Data.CustomerEmail)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	if user == nil {
		p.log.Warn("user not found for event, skipping effects",
			zap.String("external_event_id", event.ExternalEventID),
			zap.String("normalized_type", string(event.NormalizedType)),
			zap.String("customer_id", hc.Data.CustomerID),
		)
		return outcomeUnknown, p.complete(ctx, event, outcomeUnknown)
	}
	hc.User = user
	ctx = obscontext.WithUserID(ctx, user.ID.String())

	unlock, err := p.locker.Lock(ctx, "user:"+user.ID.String())
	if err != nil {
		return "", fmt.Errorf("lock user: %w", err)
	}

	timeout := p.policy.Get().HandlerTimeout
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The user stays locked until the handler's transaction ends, even after a timeout
	// has already been reported.
	done := make(chan error, 1)
	go func() {
		defer unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- pkgdb.RunInTx(hctx, p.db, func(txCtx context.Context) error {
			hc.Now = p.clock.Now()
			if err := handler(txCtx, hc); err != nil {
				return err
			}
			return p.complete(txCtx, event, outcomeProcessed)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return outcomeProcessed, nil
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", errHandlerTimeout, timeout)
		}
		return "", hctx.Err()
	}
}

// complete audits the success and flips the event to PROCESSED in the caller's transaction.
func (p *Processor) complete(ctx context.Context, event *domain.WebhookEvent, outcome string) error {
	return pkgdb.RunInTx(ctx, p.db, func(ctx context.Context) error {
		_ = p.auditSvc.Record(ctx, auditdomain.RecordRequest{
			Action:     "webhook.processed",
			EntityType: auditdomain.EntityWebhookEvent,
			EntityID:   event.ExternalEventID,
			Metadata: map[string]any{
				"eventType": string(event.NormalizedType),
				"outcome":   outcome,
			},
		})
		return p.store.UpdateStatus(ctx, event.ExternalEventID, domain.StatusProcessed, "")
	})
}

// ProcessPendingEvents processes up to limit PENDING events oldest first and returns how
// many succeeded. Individual failures do not stop the batch.
func (p *Processor) ProcessPendingEvents(ctx context.Context, limit int) (int, error) {
	events, err := p.store.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	return p.processBatch(ctx, events), nil
}

// RetryFailedEvents reprocesses ERROR events whose backoff has elapsed.
func (p *Processor) RetryFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := p.store.ListRetryable(ctx, limit)
	if err != nil {
		return 0, err
	}
	return p.processBatch(ctx, events), nil
}

// RecoverStaleClaims returns events stuck in PROCESSING to PENDING.
func (p *Processor) RecoverStaleClaims(ctx context.Context) (int64, error) {
	return p.store.ReleaseStaleClaims(ctx)
}

// Replay queues an exhausted ERROR event for another round and processes it now.
func (p *Processor) Replay(ctx context.Context, externalEventID string) error {
	if err := p.store.Replay(ctx, externalEventID); err != nil {
		return err
	}
	return p.ProcessEvent(ctx, externalEventID)
}

func (p *Processor) processBatch(ctx context.Context, events []domain.WebhookEvent) int {
	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		err := p.ProcessEvent(ctx, event.ExternalEventID)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, domain.ErrEventInFlight):
			p.log.Debug("event claimed elsewhere, skipping", zap.String("external_event_id", event.ExternalEventID))
		default:
			p.log.Warn("event processing failed in batch",
				zap.String("external_event_id", event.ExternalEventID),
				zap.Error(err),
			)
		}
	}
	return processed
}
