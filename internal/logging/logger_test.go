package logging

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

func TestNewLogger_DefaultConfig(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Console = false
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings("trace", "console")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromSettings("loud", "json")
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithIteration(ctx, 4)
	ctx = WithPhase(ctx, "QUALITY")
	ctx = WithItemID(ctx, "item-9")

	tl.Info(ctx, "gate failed", zap.String("gate", "lint"))

	tl.AssertLogged(t, zapcore.InfoLevel, "gate failed")
	tl.AssertField(t, "gate failed", "session.id", "sess-1")
	tl.AssertField(t, "gate failed", "loop.iteration", int64(4))
	tl.AssertField(t, "gate failed", "loop.phase", "QUALITY")
	tl.AssertField(t, "gate failed", "item.id", "item-9")
	tl.AssertField(t, "gate failed", "gate", "lint")
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "claim attempt")
	tl.AssertLogged(t, TraceLevel, "claim attempt")
}

func TestFromContext_NopWhenMissing(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	// must not panic
	l.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "kept")
	tl.AssertLogged(t, zapcore.WarnLevel, "kept")
}

func TestRedactingEncoder_EntryFields(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	zap.New(core).Info("agent output Bearer abc.def",
		zap.String("token", "nats-secret"),
		zap.String("output", "api_key=xyz123 done"),
		zap.Int("findings", 2),
	)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "[REDACTED]", got["token"])
	assert.NotContains(t, got["output"], "xyz123")
	assert.NotContains(t, got["msg"], "abc.def")
	assert.EqualValues(t, 2, got["findings"])
}

func TestRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}
