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

// Config configures the metrics provider and the prometheus const labels.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the invoice lifecycle instruments pushed over OTLP.
type Metrics struct {
	invoicesIssued metric.Int64Counter
	invoicesPaid   metric.Int64Counter
	serviceHistory metric.Int64Counter
	invoiceTotal   metric.Float64Histogram
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

// New configures the invoice lifecycle instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(serviceName(cfg.ServiceName))

	invoicesIssued, err := meter.Int64Counter("propbill_invoices_issued_total")
	if err != nil {
		return nil, err
	}
	invoicesPaid, err := meter.Int64Counter("propbill_invoices_paid_total")
	if err != nil {
		return nil, err
	}
	serviceHistory, err := meter.Int64Counter("propbill_property_service_history_total")
	if err != nil {
		return nil, err
	}
	invoiceTotal, err := meter.Float64Histogram("propbill_invoice_grand_total",
		metric.WithDescription("Grand total of issued invoices."),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoicesIssued: invoicesIssued,
		invoicesPaid:   invoicesPaid,
		serviceHistory: serviceHistory,
		invoiceTotal:   invoiceTotal,
	}, nil
}

// RecordInvoiceIssued counts an issued invoice by source (manual or recurring).
func (m *Metrics) RecordInvoiceIssued(ctx context.Context, source, status string, grandTotal float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.invoicesIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.invoiceTotal.Record(ctx, grandTotal, metric.WithAttributes(attrs...))
}

// RecordInvoicePaid counts a payment by the status the invoice was in.
func (m *Metrics) RecordInvoicePaid(ctx context.Context, fromStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("from_status", strings.TrimSpace(fromStatus)))
	m.invoicesPaid.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordServiceHistory counts property service history rows written on payment.
func (m *Metrics) RecordServiceHistory(ctx context.Context) {
	if m == nil {
		return
	}
	m.serviceHistory.Add(ctx, 1)
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
	"source":      {},
	"status":      {},
	"from_status": {},
	"outcome":     {},
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

func serviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "propbill"
	}
	return name
}
