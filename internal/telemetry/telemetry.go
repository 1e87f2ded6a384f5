package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics for the HTTP sidecar
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Download metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram

	// Lease metrics
	leaseAcquireAttempts metric.Int64Counter
	leaseHeld            metric.Int64UpDownCounter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a new telemetry instance. When disabled, all recording methods
// are safe no-ops.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being served")); err != nil {
		return err
	}

	if t.downloadsTotal, err = t.meter.Int64Counter("model_downloads_total",
		metric.WithDescription("Total number of model download jobs by terminal status")); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("model_downloads_active",
		metric.WithDescription("Number of model download jobs currently running")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("model_download_duration_seconds",
		metric.WithDescription("Model download job duration in seconds")); err != nil {
		return err
	}

	if t.leaseAcquireAttempts, err = t.meter.Int64Counter("lease_acquire_attempts_total",
		metric.WithDescription("Lease acquisition attempts by result")); err != nil {
		return err
	}

	if t.leaseHeld, err = t.meter.Int64UpDownCounter("lease_held",
		metric.WithDescription("Number of leases currently held by this process")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t.tracer == nil {
		return otel.Tracer("model-downloader")
	}

	return t.tracer
}

// Handler returns the Prometheus scrape handler.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records a finished download job.
func (t *Telemetry) RecordDownload(backendName, status string, duration time.Duration) {
	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("backend", backendName),
				attribute.String("status", status),
			),
		)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("backend", backendName)),
		)
	}
}

// IncrementActiveDownloads increments the active download gauge.
func (t *Telemetry) IncrementActiveDownloads() {
	if t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the active download gauge.
func (t *Telemetry) DecrementActiveDownloads() {
	if t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordLeaseAttempt records one lease acquisition attempt.
func (t *Telemetry) RecordLeaseAttempt(acquired bool) {
	if t.leaseAcquireAttempts != nil {
		result := "contended"
		if acquired {
			result = "acquired"
		}

		t.leaseAcquireAttempts.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

// IncrementLeasesHeld increments the held-lease gauge.
func (t *Telemetry) IncrementLeasesHeld() {
	if t.leaseHeld != nil {
		t.leaseHeld.Add(context.Background(), 1)
	}
}

// DecrementLeasesHeld decrements the held-lease gauge.
func (t *Telemetry) DecrementLeasesHeld() {
	if t.leaseHeld != nil {
		t.leaseHeld.Add(context.Background(), -1)
	}
}
