package domain

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelTemperature Channel = "temperature"
	ChannelHumidity    Channel = "humidity"
	ChannelVibration   Channel = "vibration"
	ChannelPower       Channel = "power"
)

// Channels lists every sensor channel a device carries, in reporting order.
var Channels = []Channel{ChannelTemperature, ChannelHumidity, ChannelVibration, ChannelPower}

// Unit returns the measurement unit reported for a channel.
func (c Channel) Unit() string {
	switch c {
	case ChannelTemperature:
		return "celsius"
	case ChannelHumidity:
		return "percent"
	case ChannelVibration:
		return "g"
	case ChannelPower:
		return "watts"
	}
	return ""
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type DeviceType string

const (
	DeviceSensor     DeviceType = "sensor"
	DeviceGateway    DeviceType = "gateway"
	DeviceController DeviceType = "controller"
	DeviceCamera     DeviceType = "camera"
	DeviceRobot      DeviceType = "robot"
	DeviceDrone      DeviceType = "drone"
)

// SensorReading is a single immutable measurement.
type SensorReading struct {
	Channel   Channel   `json:"channel"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

type AnomalyResult struct {
	Channel        Channel   `json:"channel"`
	Value          float64   `json:"value"`
	ZScore         float64   `json:"z_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
	Severity       Severity  `json:"severity"`
	Confidence     float64   `json:"confidence"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_std"`
	Timestamp      time.Time `json:"timestamp"`
}

// BufferedMessage is an outbound telemetry or alert message held by a
// device's durable buffer until delivered.
type BufferedMessage struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	QoS        byte            `json:"qos"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Sent       bool            `json:"sent"`
	SentAt     time.Time       `json:"sent_at,omitempty"`
}

type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventResolved EventStatus = "resolved"
)

type EmergencyEvent struct {
	ID              int64          `db:"id" json:"id"`
	ClusterID       string         `db:"cluster_id" json:"cluster_id"`
	Type            string         `db:"type" json:"type"`
	Details         map[string]any `db:"-" json:"details"`
	Status          EventStatus    `db:"status" json:"status"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt      *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	AffectedDevices []string       `db:"-" json:"affected_devices"`
	CoordinatorID   string         `db:"coordinator_id" json:"coordinator_id,omitempty"`
	LogIndex        int            `db:"log_index" json:"log_index"`
	Committed       bool           `db:"committed" json:"committed"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e EmergencyEvent) Clone() EmergencyEvent {
	out := e
	if e.Details != nil {
		out.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	out.AffectedDevices = append([]string(nil), e.AffectedDevices...)
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type Cluster struct {
	ID           string   `json:"cluster_id"`
	Location     string   `json:"location"`
	Members      []string `json:"member_device_ids"`
	HeadDeviceID string   `json:"head_device_id"`
}
