package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "tipbot-test", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStart_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"正常结束", nil, codes.Unset},
		{"带错误结束", errors.New("rpc down"), codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, end := Start(context.Background(), "sync.walk")
			assert.NotEmpty(t, TraceID(ctx))
			err := tt.err
			end(&err)

			spans := rec.Ended()
			require.NotEmpty(t, spans)
			last := spans[len(spans)-1]
			assert.Equal(t, "sync.walk", last.Name())
			assert.Equal(t, tt.want, last.Status().Code)
		})
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}
