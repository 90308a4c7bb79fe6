package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/rs/zerolog"
)

// ErrUnknownTopic is returned for topics outside devices/<id>/data and
// devices/<id>/anomalies.
var ErrUnknownTopic = errors.New("unknown topic")

// TelemetrySink stores what the ingestor receives.
type TelemetrySink interface {
	InsertTelemetry(ctx context.Context, t domain.Telemetry) error
	InsertAnomaly(ctx context.Context, a domain.AnomalyRecord) error
}

// IngestService turns device uplink messages into telemetry and anomaly
// records and writes them to every sink.
type IngestService struct {
	sinks []TelemetrySink
	log   zerolog.Logger
}

func NewIngestService(logger zerolog.Logger, sinks ...TelemetrySink) *IngestService {
	return &IngestService{sinks: sinks, log: logger.With().Str("component", "ingest").Logger()}
}

type telemetryMessage struct {
	DeviceID       string                     `json:"device_id"`
	DeviceType     domain.DeviceType          `json:"device_type"`
	Location       string                     `json:"location"`
	Readings       map[domain.Channel]float64 `json:"readings"`
	BatteryLevel   float64                    `json:"battery_level"`
	SignalStrength float64                    `json:"signal_strength"`
	Timestamp      time.Time                  `json:"timestamp"`
}

type anomalyMessage struct {
	DeviceID   string               `json:"device_id"`
	DeviceType domain.DeviceType    `json:"device_type"`
	Location   string               `json:"location"`
	Sensor     domain.Channel       `json:"sensor"`
	Anomaly    domain.AnomalyResult `json:"anomaly"`
}

// Topics lists the subscriptions the ingestor needs.
func Topics() []string {
	return []string{"devices/+/data", "devices/+/anomalies"}
}

// FromMQTT decodes one uplink message.
func (s *IngestService) FromMQTT(ctx context.Context, topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	deviceID := parts[1]

	switch parts[2] {
	case "data":
		var m telemetryMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("decode telemetry from %s: %w", deviceID, err)
		}
		return s.storeTelemetry(ctx, deviceID, m)
	case "anomalies":
		var m anomalyMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("decode anomaly from %s: %w", deviceID, err)
		}
		return s.storeAnomaly(ctx, deviceID, m)
	}
	return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

func (s *IngestService) storeTelemetry(ctx context.Context, deviceID string, m telemetryMessage) error {
	t := domain.Telemetry{
		DeviceID:       deviceID,
		DeviceType:     m.DeviceType,
		Location:       m.Location,
		Timestamp:      m.Timestamp,
		BatteryLevel:   m.BatteryLevel,
		SignalStrength: m.SignalStrength,
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	for ch, v := range m.Readings {
		switch ch {
		case domain.ChannelTemperature:
			t.Temperature = &v
		case domain.ChannelHumidity:
			t.Humidity = &v
		case domain.ChannelVibration:
			t.Vibration = &v
		case domain.ChannelPower:
			t.Power = &v
		}
	}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.InsertTelemetry(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}

func (s *IngestService) storeAnomaly(ctx context.Context, deviceID string, m anomalyMessage) error {
	ch := m.Sensor
	if ch == "" {
		ch = m.Anomaly.Channel
	}
	a := domain.AnomalyRecord{
		DeviceID:   deviceID,
		DeviceType: m.DeviceType,
		Location:   m.Location,
		Channel:    ch,
		Value:      m.Anomaly.Value,
		ZScore:     m.Anomaly.ZScore,
		Severity:   m.Anomaly.Severity,
		Confidence: m.Anomaly.Confidence,
		Timestamp:  m.Anomaly.Timestamp,
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	s.log.Info().Str("device_id", deviceID).Str("sensor", string(ch)).Str("severity", string(a.Severity)).Msg("anomaly received")

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.InsertAnomaly(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}
