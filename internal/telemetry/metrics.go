// Package telemetry provides OpenTelemetry metrics for the peer link server.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/xelth-com/peerlinkgo"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	busOpsTotal   metric.Int64Counter
	busOpDuration metric.Float64Histogram

	presenceConnections metric.Int64UpDownCounter
	presenceClosesTotal metric.Int64Counter
	eventsDroppedTotal  metric.Int64Counter

	rendezvousTotal   metric.Int64Counter
	udpDatagramsTotal metric.Int64Counter
	linkRequestsTotal metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "peerlink"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters, still collect so instruments stay cheap no-ops downstream.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp, promHandler: promHandler}

	if m.requestsTotal, err = meter.Int64Counter(
		"peerlink_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if m.requestDuration, err = meter.Float64Histogram(
		"peerlink_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return err
	}
	if m.busOpsTotal, err = meter.Int64Counter(
		"peerlink_bus_operations_total",
		metric.WithDescription("Total bus operations by backend, op and outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if m.busOpDuration, err = meter.Float64Histogram(
		"peerlink_bus_operation_duration_seconds",
		metric.WithDescription("Bus operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return err
	}
	if m.presenceConnections, err = meter.Int64UpDownCounter(
		"peerlink_presence_connections",
		metric.WithDescription("Currently open presence connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return err
	}
	if m.presenceClosesTotal, err = meter.Int64Counter(
		"peerlink_presence_closes_total",
		metric.WithDescription("Presence connections closed, by reason"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return err
	}
	if m.eventsDroppedTotal, err = meter.Int64Counter(
		"peerlink_presence_events_dropped_total",
		metric.WithDescription("Bus events not forwarded to a client, by reason"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if m.rendezvousTotal, err = meter.Int64Counter(
		"peerlink_rendezvous_total",
		metric.WithDescription("Rendezvous steps by phase and result"),
		metric.WithUnit("{step}"),
	); err != nil {
		return err
	}
	if m.udpDatagramsTotal, err = meter.Int64Counter(
		"peerlink_udp_datagrams_total",
		metric.WithDescription("UDP datagrams received by result"),
		metric.WithUnit("{datagram}"),
	); err != nil {
		return err
	}
	if m.linkRequestsTotal, err = meter.Int64Counter(
		"peerlink_link_requests_total",
		metric.WithDescription("Link protocol calls by step and outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"peerlink_bus_reaper_deleted_total",
		metric.WithDescription("Expired bus entries removed by the reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
func RecordHTTP(ctx context.Context, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBusOp records one bus operation.
func RecordBusOp(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.busOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.busOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPresenceOpen tracks a newly authenticated presence connection.
func RecordPresenceOpen(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.presenceConnections.Add(ctx, 1)
}

// RecordPresenceClose tracks a closed presence connection.
// reason is "client", "timeout", "removed", "replaced", "error" or "shutdown".
func RecordPresenceClose(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.presenceConnections.Add(ctx, -1)
	globalMetrics.presenceClosesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEventDropped counts a bus event the gateway refused to forward.
func RecordEventDropped(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.eventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRendezvous records the result of one rendezvous step.
// phase is "init", "endpoint" or "local".
func RecordRendezvous(ctx context.Context, phase, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rendezvousTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("result", result),
	))
}

// RecordUDPDatagram records a received datagram.
func RecordUDPDatagram(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.udpDatagramsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordLink records a link protocol call.
func RecordLink(ctx context.Context, step, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.linkRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

// RecordReaperCycle records the number of entries removed by one reaper cycle.
func RecordReaperCycle(ctx context.Context, backend string, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("backend", backend)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It returns 404 when Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// OutcomeFromError maps an error to a low-cardinality outcome label.
func OutcomeFromError(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
