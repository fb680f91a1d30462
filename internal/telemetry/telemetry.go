package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil or disabled
// Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	fetchesTotal        metric.Int64Counter
	fetchDuration       metric.Float64Histogram
	fetchesActive       metric.Int64UpDownCounter
	enqueuesTotal       metric.Int64Counter
	downloadsQueued     metric.Int64UpDownCounter
	soundsActive        metric.Int64UpDownCounter
	soundEventsTotal    metric.Int64Counter
	generationsTotal    metric.Int64Counter
	poolRotationsTotal  metric.Int64Counter
	fadesTotal          metric.Int64Counter
	cleanupFilesTotal   metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("service.instance.id", InstanceID()),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; the provider exists so that log lines carry
	// trace and span IDs.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil || t.meter == nil {
		return otel.Meter("")
	}

	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight() {
	t.addUpDown(t.inFlight(), 1)
}

func (t *Telemetry) DecrementHTTPInFlight() {
	t.addUpDown(t.inFlight(), -1)
}

func (t *Telemetry) inFlight() metric.Int64UpDownCounter {
	if t == nil {
		return nil
	}

	return t.httpRequestsInFlight
}

func (t *Telemetry) addUpDown(c metric.Int64UpDownCounter, n int64) {
	if c != nil {
		c.Add(context.Background(), n)
	}
}

func (t *Telemetry) addCounter(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

// RecordFetch records the outcome of one remote fetch.
func (t *Telemetry) RecordFetch(status string, duration time.Duration) {
	if t == nil || t.fetchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.fetchesTotal.Add(context.Background(), 1, attrs)
	t.fetchDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordEnqueue counts download requests by outcome (queued, coalesced,
// cache_hit, disabled, rejected).
func (t *Telemetry) RecordEnqueue(outcome string) {
	if t == nil {
		return
	}

	t.addCounter(t.enqueuesTotal, attribute.String("outcome", outcome))
}

func (t *Telemetry) IncrementQueuedDownloads() {
	if t != nil {
		t.addUpDown(t.downloadsQueued, 1)
	}
}

func (t *Telemetry) DecrementQueuedDownloads() {
	if t != nil {
		t.addUpDown(t.downloadsQueued, -1)
	}
}

func (t *Telemetry) IncrementActiveSounds() {
	if t != nil {
		t.addUpDown(t.soundsActive, 1)
	}
}

func (t *Telemetry) DecrementActiveSounds() {
	if t != nil {
		t.addUpDown(t.soundsActive, -1)
	}
}

// RecordSoundEvent counts playback events (started, stopped, failed, retriggered).
func (t *Telemetry) RecordSoundEvent(event string) {
	if t == nil {
		return
	}

	t.addCounter(t.soundEventsTotal, attribute.String("event", event))
}

// RecordGeneration counts bulk stops.
func (t *Telemetry) RecordGeneration() {
	if t == nil {
		return
	}

	t.addCounter(t.generationsTotal)
}

func (t *Telemetry) RecordPoolRotation(pool string) {
	if t == nil {
		return
	}

	t.addCounter(t.poolRotationsTotal, attribute.String("pool", pool))
}

// RecordFade counts timed stops by kind (fade_out, hard_stop).
func (t *Telemetry) RecordFade(kind string) {
	if t == nil {
		return
	}

	t.addCounter(t.fadesTotal, attribute.String("kind", kind))
}

// RecordCleanup counts files removed by retention cleanup.
func (t *Telemetry) RecordCleanup(files int) {
	if t == nil || t.cleanupFilesTotal == nil {
		return
	}

	t.cleanupFilesTotal.Add(context.Background(), int64(files))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil {
		return
	}

	t.addCounter(t.systemErrors,
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&t.fetchesTotal, "fetches_total", "Total number of remote sound fetches"},
		{&t.enqueuesTotal, "download_requests_total", "Download requests by outcome"},
		{&t.soundEventsTotal, "sound_events_total", "Playback events by type"},
		{&t.generationsTotal, "generations_total", "Number of bulk stops"},
		{&t.poolRotationsTotal, "pool_rotations_total", "Number of pool member rotations"},
		{&t.fadesTotal, "timed_stops_total", "Sounds stopped by max duration or fade"},
		{&t.cleanupFilesTotal, "cleanup_files_total", "Cached files removed by retention cleanup"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
	}

	for _, c := range counters {
		var err error

		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	upDowns := []struct {
		dst         *metric.Int64UpDownCounter
		name        string
		description string
	}{
		{&t.fetchesActive, "fetches_active", "Number of fetches in progress"},
		{&t.downloadsQueued, "downloads_pending", "Number of sources queued or downloading"},
		{&t.soundsActive, "sounds_active", "Number of sounds in the playback registry"},
	}

	for _, c := range upDowns {
		var err error

		*c.dst, err = t.meter.Int64UpDownCounter(c.name, metric.WithDescription(c.description), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error

	t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Remote fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records uptime periodically. Memory and goroutine
// metrics come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}

// InstanceID returns a unique string for this process (hostname+pid+random).
func InstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
