package domain

import "time"

// Telemetry is one device snapshot as received by the ingestor.
type Telemetry struct {
	ID             int64      `db:"id" json:"id"`
	DeviceID       string     `db:"device_id" json:"device_id"`
	DeviceType     DeviceType `db:"device_type" json:"device_type"`
	Location       string     `db:"location" json:"location"`
	Timestamp      time.Time  `db:"timestamp" json:"timestamp"`
	Temperature    *float64   `db:"temperature" json:"temperature,omitempty"`
	Humidity       *float64   `db:"humidity" json:"humidity,omitempty"`
	Vibration      *float64   `db:"vibration" json:"vibration,omitempty"`
	Power          *float64   `db:"power" json:"power,omitempty"`
	BatteryLevel   float64    `db:"battery_level" json:"battery_level"`
	SignalStrength float64    `db:"signal_strength" json:"signal_strength"`
}

// Value returns the reading for a channel, if the snapshot carries one.
func (t Telemetry) Value(ch Channel) (float64, bool) {
	var v *float64
	switch ch {
	case ChannelTemperature:
		v = t.Temperature
	case ChannelHumidity:
		v = t.Humidity
	case ChannelVibration:
		v = t.Vibration
	case ChannelPower:
		v = t.Power
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// AnomalyRecord is an anomaly report as received by the ingestor.
type AnomalyRecord struct {
	ID         int64      `db:"id" json:"id"`
	DeviceID   string     `db:"device_id" json:"device_id"`
	DeviceType DeviceType `db:"device_type" json:"device_type"`
	Location   string     `db:"location" json:"location"`
	Channel    Channel    `db:"channel" json:"channel"`
	Value      float64    `db:"value" json:"value"`
	ZScore     float64    `db:"z_score" json:"z_score"`
	Severity   Severity   `db:"severity" json:"severity"`
	Confidence float64    `db:"confidence" json:"confidence"`
	Timestamp  time.Time  `db:"timestamp" json:"timestamp"`
}
