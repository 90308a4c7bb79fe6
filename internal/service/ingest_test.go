package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	telemetry []domain.Telemetry
	anomalies []domain.AnomalyRecord
	err       error
}

func (m *memorySink) InsertTelemetry(_ context.Context, t domain.Telemetry) error {
	m.telemetry = append(m.telemetry, t)
	return m.err
}

func (m *memorySink) InsertAnomaly(_ context.Context, a domain.AnomalyRecord) error {
	m.anomalies = append(m.anomalies, a)
	return m.err
}

func TestIngestTelemetry(t *testing.T) {
	sink := &memorySink{}
	svc := NewIngestService(zerolog.Nop(), sink)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	payload, err := json.Marshal(map[string]any{
		"device_id":       "device-001",
		"device_type":     "sensor",
		"location":        "Warehouse A",
		"readings":        map[string]float64{"temperature": 22.5, "power": 99},
		"battery_level":   87.5,
		"signal_strength": 70,
		"timestamp":       ts,
	})
	require.NoError(t, err)
	require.NoError(t, svc.FromMQTT(context.Background(), "devices/device-001/data", payload))

	require.Len(t, sink.telemetry, 1)
	got := sink.telemetry[0]
	assert.Equal(t, "device-001", got.DeviceID)
	assert.Equal(t, domain.DeviceSensor, got.DeviceType)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, 87.5, got.BatteryLevel)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 22.5, *got.Temperature)
	assert.Nil(t, got.Humidity)
	v, ok := got.Value(domain.ChannelPower)
	assert.True(t, ok)
	assert.Equal(t, 99.0, v)
}

func TestIngestAnomaly(t *testing.T) {
	sink := &memorySink{}
	svc := NewIngestService(zerolog.Nop(), sink)

	payload, err := json.Marshal(map[string]any{
		"device_id": "device-004",
		"sensor":    "vibration",
		"location":  "Warehouse B",
		"anomaly": domain.AnomalyResult{
			Channel: domain.ChannelVibration, Value: 2.1, ZScore: 4.2,
			IsAnomaly: true, Severity: domain.SeverityCritical, Confidence: 1,
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.FromMQTT(context.Background(), "devices/device-004/anomalies", payload))

	require.Len(t, sink.anomalies, 1)
	got := sink.anomalies[0]
	assert.Equal(t, domain.ChannelVibration, got.Channel)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	assert.Equal(t, 4.2, got.ZScore)
	assert.False(t, got.Timestamp.IsZero())
}

func TestIngestRejects(t *testing.T) {
	sink := &memorySink{}
	svc := NewIngestService(zerolog.Nop(), sink)
	ctx := context.Background()

	assert.ErrorIs(t, svc.FromMQTT(ctx, "energy/readings", []byte(`{}`)), ErrUnknownTopic)
	assert.ErrorIs(t, svc.FromMQTT(ctx, "devices/device-001/coordination", []byte(`{}`)), ErrUnknownTopic)
	assert.ErrorIs(t, svc.FromMQTT(ctx, "devices//data", []byte(`{}`)), ErrUnknownTopic)
	assert.Error(t, svc.FromMQTT(ctx, "devices/device-001/data", []byte(`{not json`)))
	assert.Empty(t, sink.telemetry)
}

func TestIngestWritesEverySink(t *testing.T) {
	failing := &memorySink{err: errors.New("connection refused")}
	ok := &memorySink{}
	svc := NewIngestService(zerolog.Nop(), failing, ok)

	err := svc.FromMQTT(context.Background(), "devices/device-001/data", []byte(`{"battery_level": 50}`))
	assert.ErrorContains(t, err, "connection refused")
	assert.Len(t, failing.telemetry, 1)
	assert.Len(t, ok.telemetry, 1)
}
