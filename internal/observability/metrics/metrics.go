package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the pipeline instruments.
type Metrics struct {
	webhooksReceived      metric.Int64Counter
	eventsProcessed       metric.Int64Counter
	handlerDuration       metric.Float64Histogram
	entitlementChanges    metric.Int64Counter
	subscriptionTransfers metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New builds the instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "botbilling"
	}
	meter := provider.Meter(name)

	webhooksReceived, err := meter.Int64Counter("botbilling_webhooks_received_total")
	if err != nil {
		return nil, err
	}
	eventsProcessed, err := meter.Int64Counter("botbilling_events_processed_total")
	if err != nil {
		return nil, err
	}
	handlerDuration, err := meter.Float64Histogram("botbilling_event_handler_duration_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	entitlementChanges, err := meter.Int64Counter("botbilling_entitlement_changes_total")
	if err != nil {
		return nil, err
	}
	subscriptionTransfers, err := meter.Int64Counter("botbilling_subscription_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksReceived:      webhooksReceived,
		eventsProcessed:       eventsProcessed,
		handlerDuration:       handlerDuration,
		entitlementChanges:    entitlementChanges,
		subscriptionTransfers: subscriptionTransfers,
	}, nil
}

// NewNoop returns instruments bound to a no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordWebhookReceived counts ingests by provider and outcome (accepted, duplicate, rejected).
func (m *Metrics) RecordWebhookReceived(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventProcessed counts processed events and observes handler latency.
func (m *Metrics) RecordEventProcessed(ctx context.Context, eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEntitlementChange counts grants and revocations by entitlement type.
func (m *Metrics) RecordEntitlementChange(ctx context.Context, entitlementType, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("entitlement_type", strings.TrimSpace(entitlementType)),
		attribute.String("action", strings.TrimSpace(action)),
	)
	m.entitlementChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionTransition counts subscription status changes.
func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.subscriptionTransfers.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":         {},
	"outcome":          {},
	"event_type":       {},
	"entitlement_type": {},
	"action":           {},
	"from":             {},
	"to":               {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
