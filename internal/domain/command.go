package domain

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CommandEmergencyStop         CommandType = "emergency_stop"
	CommandRouteChange           CommandType = "route_change"
	CommandSystemAlert           CommandType = "system_alert"
	CommandEmergencyCoordination CommandType = "emergency_coordination"
)

// Command is the JSON payload carried by a consensus log entry.
type Command struct {
	Type          CommandType    `json:"type"`
	DeviceID      string         `json:"device_id,omitempty"`
	ClusterID     string         `json:"cluster_id,omitempty"`
	Sensor        Channel        `json:"sensor,omitempty"`
	Severity      Severity       `json:"severity,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	NewRoute      string         `json:"new_route,omitempty"`
	Message       string         `json:"message,omitempty"`
	EmergencyType string         `json:"emergency_type,omitempty"`
	EventID       int64          `json:"event_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(data, &c)
	return c, err
}
