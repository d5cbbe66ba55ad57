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

// Metrics exposes application-level instruments.
type Metrics struct {
	invoiceSubmitted    metric.Int64Counter
	invoiceAutoApproved metric.Int64Counter
	routingGaps         metric.Int64Counter
	approvalDecisions   metric.Int64Counter
	invoiceExports      metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "sitebooks"
	}
	meter := provider.Meter(name)

	invoiceSubmitted, err := meter.Int64Counter("sitebooks_invoice_submitted_total")
	if err != nil {
		return nil, err
	}
	invoiceAutoApproved, err := meter.Int64Counter("sitebooks_invoice_auto_approved_total")
	if err != nil {
		return nil, err
	}
	routingGaps, err := meter.Int64Counter("sitebooks_routing_gap_total")
	if err != nil {
		return nil, err
	}
	approvalDecisions, err := meter.Int64Counter("sitebooks_approval_decisions_total")
	if err != nil {
		return nil, err
	}
	invoiceExports, err := meter.Int64Counter("sitebooks_invoice_exports_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoiceSubmitted:    invoiceSubmitted,
		invoiceAutoApproved: invoiceAutoApproved,
		routingGaps:         routingGaps,
		approvalDecisions:   approvalDecisions,
		invoiceExports:      invoiceExports,
	}, nil
}

// RecordSubmit increments routed submission counts.
func (m *Metrics) RecordSubmit(ctx context.Context) {
	if m == nil {
		return
	}
	m.invoiceSubmitted.Add(ctx, 1)
}

// RecordAutoApprove increments auto-approval counts.
func (m *Metrics) RecordAutoApprove(ctx context.Context) {
	if m == nil {
		return
	}
	m.invoiceAutoApproved.Add(ctx, 1)
}

// RecordRoutingGap increments counts of submissions no rule matched.
func (m *Metrics) RecordRoutingGap(ctx context.Context) {
	if m == nil {
		return
	}
	m.routingGaps.Add(ctx, 1)
}

// RecordDecision increments approval decision counts by outcome.
func (m *Metrics) RecordDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("decision", strings.TrimSpace(decision)))
	m.approvalDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExport increments export attempt counts by outcome.
func (m *Metrics) RecordExport(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.invoiceExports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"decision":    {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
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
