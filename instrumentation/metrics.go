package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the relay
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Relay Flow Metrics
	RegistrationsTotal metric.Int64Counter
	DeliveriesTotal    metric.Int64Counter
	SupersedesTotal    metric.Int64Counter
	ExpiriesTotal      metric.Int64Counter
	CancellationsTotal metric.Int64Counter
	WaitDuration       metric.Float64Histogram
	PendingWaits       metric.Int64ObservableGauge

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	coordMeter := inst.Meter("coordinator")
	securityMeter := inst.Meter("security")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"relay.http.requests.total",
		metric.WithDescription("Total number of HTTP callback requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"relay.http.request.duration",
		metric.WithDescription("HTTP callback request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.RegistrationsTotal, err = coordMeter.Int64Counter(
		"relay.registrations.total",
		metric.WithDescription("Number of waiter registrations accepted"),
		metric.WithUnit("{registration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registrations.total counter: %w", err)
	}

	m.DeliveriesTotal, err = coordMeter.Int64Counter(
		"relay.deliveries.total",
		metric.WithDescription("Number of callback deliveries by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries.total counter: %w", err)
	}

	m.SupersedesTotal, err = coordMeter.Int64Counter(
		"relay.supersedes.total",
		metric.WithDescription("Number of single-slot registrations displaced by a newer one"),
		metric.WithUnit("{supersede}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create supersedes.total counter: %w", err)
	}

	m.ExpiriesTotal, err = coordMeter.Int64Counter(
		"relay.expiries.total",
		metric.WithDescription("Number of waits that expired with no callback"),
		metric.WithUnit("{expiry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expiries.total counter: %w", err)
	}

	m.CancellationsTotal, err = coordMeter.Int64Counter(
		"relay.cancellations.total",
		metric.WithDescription("Number of waits cancelled by unregister or connection loss"),
		metric.WithUnit("{cancellation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancellations.total counter: %w", err)
	}

	m.WaitDuration, err = coordMeter.Float64Histogram(
		"relay.wait.duration",
		metric.WithDescription("Time between registration and resolution in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wait.duration histogram: %w", err)
	}

	m.PendingWaits, err = coordMeter.Int64ObservableGauge(
		"relay.waits.pending",
		metric.WithDescription("Current number of pending waits in the table"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create waits.pending gauge: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"relay.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations on the callback endpoint"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP callback request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordRegistration records an accepted waiter registration
func (m *Metrics) RecordRegistration(ctx context.Context, mode string) {
	m.RegistrationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordDelivery records a callback delivery attempt
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string, codePresent bool) {
	m.DeliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("code_present", codePresent),
	))
}

// RecordSupersede records a displaced single-slot registration
func (m *Metrics) RecordSupersede(ctx context.Context) {
	m.SupersedesTotal.Add(ctx, 1)
}

// RecordExpiry records a wait that hit its deadline
func (m *Metrics) RecordExpiry(ctx context.Context) {
	m.ExpiriesTotal.Add(ctx, 1)
}

// RecordCancellation records an unregister or connection-loss cancellation
func (m *Metrics) RecordCancellation(ctx context.Context, reason string) {
	m.CancellationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordWaitDuration records how long a wait was pending before resolving
func (m *Metrics) RecordWaitDuration(ctx context.Context, outcome string, durationMs float64) {
	m.WaitDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}
