package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingRecordsAndPropagates(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := InitTracing(context.Background(), "permit-crawler-test", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := Tracer().Start(context.Background(), "crawl.run")
	attrs := map[string]string{}
	Inject(ctx, attrs)
	span.End()

	require.Contains(t, attrs, "traceparent")
	require.Contains(t, attrs["traceparent"], span.SpanContext().TraceID().String())

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "crawl.run", ended[0].Name())
}

func TestMapCarrierKeys(t *testing.T) {
	t.Parallel()

	c := MapCarrier{}
	c.Set("a", "1")
	c.Set("b", "2")
	require.Equal(t, "1", c.Get("a"))
	require.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}
