package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds the HTTP instruments. Initialize once at startup.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
}

// NewServerMetrics creates the HTTP server instruments.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("jitaccess/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// Middleware records count, duration, and 5xx errors per request.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(ww.Status())),
		)
		m.RequestCounter.Add(r.Context(), 1, attrs)
		m.RequestDuration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
		if ww.Status() >= 500 {
			m.ErrorCounter.Add(r.Context(), 1, attrs)
		}
	})
}

// OperationMetrics holds instruments for join, approval, and provisioning
// operations.
type OperationMetrics struct {
	Joins             metric.Int64Counter
	Approvals         metric.Int64Counter
	ProvisionAttempts metric.Int64Counter
	ProvisionDuration metric.Float64Histogram
	ReconcileFindings metric.Int64Counter
}

// NewOperationMetrics creates the operation instruments.
func NewOperationMetrics() (*OperationMetrics, error) {
	meter := otel.Meter("jitaccess/ops")

	joins, err := meter.Int64Counter(
		"jitaccess.join.count",
		metric.WithDescription("Total number of join operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	approvals, err := meter.Int64Counter(
		"jitaccess.approval.count",
		metric.WithDescription("Total number of approval operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	provisionAttempts, err := meter.Int64Counter(
		"jitaccess.provision.attempt.count",
		metric.WithDescription("Total number of provisioning attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	provisionDuration, err := meter.Float64Histogram(
		"jitaccess.provision.duration",
		metric.WithDescription("Provisioning duration including IAM retries"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	reconcileFindings, err := meter.Int64Counter(
		"jitaccess.reconcile.finding.count",
		metric.WithDescription("Total number of reconciliation findings"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	return &OperationMetrics{
		Joins:             joins,
		Approvals:         approvals,
		ProvisionAttempts: provisionAttempts,
		ProvisionDuration: provisionDuration,
		ReconcileFindings: reconcileFindings,
	}, nil
}

// RecordJoin records a join outcome ("EXECUTED", "PROPOSED", or "DENIED").
func (o *OperationMetrics) RecordJoin(ctx context.Context, group, outcome string) {
	o.Joins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("jitaccess.group", group),
		attribute.String("jitaccess.outcome", outcome),
	))
}

// RecordApproval records an approval outcome.
func (o *OperationMetrics) RecordApproval(ctx context.Context, group, outcome string) {
	o.Approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("jitaccess.group", group),
		attribute.String("jitaccess.outcome", outcome),
	))
}

// RecordProvision records one provisioning call.
func (o *OperationMetrics) RecordProvision(ctx context.Context, group string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("jitaccess.group", group),
		attribute.Bool("jitaccess.success", err == nil),
	)
	o.ProvisionAttempts.Add(ctx, 1, attrs)
	o.ProvisionDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}
