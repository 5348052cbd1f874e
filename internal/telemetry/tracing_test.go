package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "media-fetcher-test", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	_, span := Tracer().Start(context.Background(), "job")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "job", ended[0].Name())

	var service string
	for _, attr := range ended[0].Resource().Attributes() {
		if attr.Key == "service.name" {
			service = attr.Value.AsString()
		}
	}
	require.Equal(t, "media-fetcher-test", service)
}
