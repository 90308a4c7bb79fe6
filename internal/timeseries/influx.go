// Package timeseries mirrors ingested telemetry into InfluxDB.
package timeseries

import (
	"context"
	"fmt"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	telemetryMeasurement = "device_telemetry"
	anomalyMeasurement   = "device_anomaly"
)

type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewWriter connects to an InfluxDB v2 server.
func NewWriter(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{client: client, writeAPI: client.WriteAPIBlocking(org, bucket)}
}

// NewWriterWithAPI wraps an existing write API.
func NewWriterWithAPI(w api.WriteAPIBlocking) *Writer {
	return &Writer{writeAPI: w}
}

// Ping reports whether the server is ready to accept writes.
func (w *Writer) Ping(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influxdb: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb not ready")
	}
	return nil
}

func (w *Writer) InsertTelemetry(ctx context.Context, t domain.Telemetry) error {
	fields := map[string]interface{}{
		"battery_level":   t.BatteryLevel,
		"signal_strength": t.SignalStrength,
	}
	for _, ch := range domain.Channels {
		if v, ok := t.Value(ch); ok {
			fields[string(ch)] = v
		}
	}
	return w.writeAPI.WritePoint(ctx, TelemetryPoint(t, fields))
}

func (w *Writer) InsertAnomaly(ctx context.Context, a domain.AnomalyRecord) error {
	p := influxdb2.NewPoint(
		anomalyMeasurement,
		map[string]string{
			"device_id": a.DeviceID,
			"location":  a.Location,
			"channel":   string(a.Channel),
			"severity":  string(a.Severity),
		},
		map[string]interface{}{
			"value":      a.Value,
			"z_score":    a.ZScore,
			"confidence": a.Confidence,
		},
		a.Timestamp,
	)
	return w.writeAPI.WritePoint(ctx, p)
}

func TelemetryPoint(t domain.Telemetry, fields map[string]interface{}) *write.Point {
	return influxdb2.NewPoint(
		telemetryMeasurement,
		map[string]string{
			"device_id":   t.DeviceID,
			"device_type": string(t.DeviceType),
			"location":    t.Location,
		},
		fields,
		t.Timestamp,
	)
}

func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}
