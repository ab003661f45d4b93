package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/sentinel/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "" },
			wantErr: "endpoint",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Enabled = true; c.Protocol = "thrift" },
			wantErr: "protocol",
		},
		{
			name:    "insecure remote",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" },
			wantErr: "insecure",
		},
		{
			name:    "sampling out of range",
			mutate:  func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 },
			wantErr: "sampling",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Enabled = true; c.Shutdown.Timeout = 0 },
			wantErr: "shutdown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("http://127.0.0.1:4318"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("collector.internal:4317"))
}

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		Endpoint:        "https://otel.example.com",
		Protocol:        "http/protobuf",
		ServiceName:     "sentinel-ci",
		SampleRate:      0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "sentinel-ci", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
	assert.InDelta(t, 0.25, cfg.Sampling.Rate, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	// Falls back to global providers without panicking.
	_, span := tel.Tracer("test").Start(context.Background(), "noop")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Sampling.Rate = -1
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NotNil(t, tel.Meter("x"))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Restore()

	ctx := context.Background()
	_, span := tt.Tracer("sentinel/test").Start(ctx, "gates.cascade")
	span.SetAttributes(attribute.Int("gates.failed", 2))
	span.End()

	tt.AssertSpanExists(t, "gates.cascade")
	tt.AssertSpanAttribute(t, "gates.cascade", "gates.failed", int64(2))

	counter, err := tt.Meter("sentinel/test").Int64Counter("sentinel.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 3)
	counter.Add(ctx, 4)

	v, ok := tt.CounterValue(ctx, "sentinel.test.count")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = tt.CounterValue(ctx, "missing")
	assert.False(t, ok)
	assert.True(t, tt.IsEnabled())
}
