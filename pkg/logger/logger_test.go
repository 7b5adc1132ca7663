package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLogger(buffer *bytes.Buffer) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.DebugLevel,
	)
	Log = zap.New(core)
}

func TestLogger_Info_WithTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	captureLogger(buffer)

	ctx := WithTrace(context.Background(), "tick-btc-42")
	Info(ctx, "检测到充值", zap.String("coin", "BTC"), zap.Int64("height", 42))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry), "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "检测到充值", entry["msg"])
	assert.Equal(t, "BTC", entry["coin"])
	assert.Equal(t, float64(42), entry["height"])
	assert.Equal(t, "tick-btc-42", entry["trace_id"])
}

func TestLogger_NoTraceID(t *testing.T) {
	tests := []struct {
		name  string
		ctx   context.Context
		log   func(ctx context.Context, msg string, fields ...zap.Field)
		level string
	}{
		{name: "error 无 trace", ctx: context.Background(), log: Error, level: "error"},
		{name: "warn 无 trace", ctx: context.Background(), log: Warn, level: "warn"},
		{name: "nil ctx 不 panic", ctx: nil, log: Debug, level: "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buffer := &bytes.Buffer{}
			captureLogger(buffer)

			tt.log(tt.ctx, "数据库连接失败", zap.String("db", "sqlite"))

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
			_, exists := entry["trace_id"]
			assert.False(t, exists)
			assert.Equal(t, tt.level, entry["level"])
		})
	}
}
