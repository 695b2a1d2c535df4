package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// A simple helper that configures OpenTelemetry for the participant. Returns the function that
// flushes and stops the exporter. Without an exporter configured the tracer stays a no-op.
func SetupTelemetry(ctx context.Context, config Config) (func(context.Context) error, error) {
	exp, err := NewExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	if exp == nil {
		return func(context.Context) error { return nil }, nil
	}

	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName(config))

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Creates a trace provider - an entity that puts together OTel things, i.e. it essentially
// allows to set a "global logger" for the whole application. Under the hood it creates span
// processors, i.e. hooks that receive all the events and write them to the exporters while
// associating each of them with our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates the exporter from the config. OTLP has precedence over Jaeger.
// Returns nil if none is configured.
func NewExporter(ctx context.Context, config Config) (tracesdk.SpanExporter, error) {
	switch {
	case config.OTLP.Host != "":
		options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLP.Host)}
		if !config.OTLP.Secure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, options...)
	case config.JaegerURL != "":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	default:
		return nil, nil
	}
}

// Creates a new resource to identify the service instance.
func NewResource(config Config) (*resource.Resource, error) {
	instanceID := config.ID
	if instanceID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		instanceID = id.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(packageName(config)),
		attribute.String("ID", instanceID),
	), nil
}

func packageName(config Config) string {
	if config.Package == "" {
		return defaultServiceName
	}

	return config.Package
}
