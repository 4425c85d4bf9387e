package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/concierge/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("disabled skips validation", func(t *testing.T) {
		cfg := &Config{Enabled: false}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("defaults are valid when enabled", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("insecure remote endpoint rejected", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = "collector.example.com:4317"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown protocol rejected", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Protocol = "udp"
		assert.Error(t, cfg.Validate())
	})

	t.Run("sampling rate bounds", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.SamplingRate = 1.5
		assert.Error(t, cfg.Validate())
	})
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.TelemetryConfig{})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "concierge", cfg.ServiceName)

	secure := false
	rate := 0.25
	cfg, err = FromAppConfig(config.TelemetryConfig{
		Enabled:      true,
		Endpoint:     "otel.internal.example:4317",
		Insecure:     &secure,
		SamplingRate: &rate,
	})
	require.NoError(t, err)
	assert.Equal(t, "otel.internal.example:4317", cfg.Endpoint)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.SamplingRate)

	_, err = FromAppConfig(config.TelemetryConfig{Enabled: true, Endpoint: "collector.example.com:4317"})
	assert.Error(t, err, "insecure remote endpoints are rejected")
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("otel.internal:4317"))
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()

	_, span := tel.Tracer("test").Start(context.Background(), "specialist.invoke")
	span.SetAttributes(attribute.String("concierge.thread_id", "t-1"))
	span.End()

	tel.AssertSpanExists(t, "specialist.invoke")
	spans := tel.SpansByName("specialist.invoke")
	require.Len(t, spans, 1)
	got, ok := SpanAttribute(spans[0], "concierge.thread_id")
	require.True(t, ok)
	assert.Equal(t, "t-1", got)
}
