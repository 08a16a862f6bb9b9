package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)
	ctx := context.Background()

	_, err := xc.Call(ctx, "add", 1, 2)
	require.NoError(t, err)
	_, err = xc.Call(ctx, "trap")
	require.Error(t, err)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["xvm.Load"], 1)
	require.Len(t, byName["xvm.Call"], 2)

	assert.Equal(t, codes.Unset, byName["xvm.Call"][0].Status().Code)
	assert.Equal(t, codes.Error, byName["xvm.Call"][1].Status().Code)
}
