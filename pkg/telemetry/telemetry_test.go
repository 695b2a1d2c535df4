package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutExporterIsNoop(t *testing.T) {
	shutdown, err := telemetry.SetupTelemetry(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	exp, err := telemetry.NewExporter(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	assert.Nil(t, exp)
}

func TestResourceCarriesInstanceID(t *testing.T) {
	res, err := telemetry.NewResource(telemetry.Config{ID: "instance"})
	require.NoError(t, err)

	value, ok := res.Set().Value(attribute.Key("ID"))
	require.True(t, ok)
	assert.Equal(t, "instance", value.AsString())
}

func TestTelemetrySpansAreUsableWithoutProvider(t *testing.T) {
	span := telemetry.NewTelemetry(context.Background(), "test", attribute.String("key", "value"))
	child := span.CreateChild("child")
	child.AddEvent("event")
	child.AddError(nil)
	child.Finish(errors.New("boom"))
	span.End()
}

func TestSpansEndOnceAndNest(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	sequence := telemetry.NewTelemetry(context.Background(), "startup")
	round := sequence.CreateChild("negotiation", attribute.String("kind", "offer"))

	round.Finish(errors.New("set remote offer"))
	round.End()
	sequence.Finish(nil)

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "negotiation", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())

	assert.Equal(t, "startup", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
