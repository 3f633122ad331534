// Package telemetry wires OpenTelemetry tracing and metrics. Everything is a
// noop unless an OTLP endpoint is configured, so local runs pay nothing.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Settings selects the OTLP endpoint and service identification. The zero
// value disables telemetry.
type Settings struct {
	OTLPEndpoint string
	OTLPInsecure bool

	ServiceName    string
	ServiceVersion string
	Environment    string
}

// SettingsFromEnv reads the standard OTEL_* environment variables.
func SettingsFromEnv() Settings {
	return Settings{
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ServiceName:    envOr("OTEL_SERVICE_NAME", "jitaccess"),
		ServiceVersion: os.Getenv("OTEL_SERVICE_VERSION"),
		Environment:    os.Getenv("OTEL_ENVIRONMENT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Init initializes the global tracer provider and W3C propagation. The
// returned shutdown function flushes pending spans.
func Init(ctx context.Context, s Settings) (func(context.Context) error, error) {
	if s.OTLPEndpoint == "" {
		log.Println("INFO: telemetry disabled (OTEL_EXPORTER_OTLP_ENDPOINT not set)")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(s.ServiceVersion),
			semconv.DeploymentEnvironment(s.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.OTLPEndpoint)}
	if s.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Printf("INFO: telemetry initialized, exporting to %s", s.OTLPEndpoint)
	return tp.Shutdown, nil
}
