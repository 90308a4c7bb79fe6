package agent

import (
	"context"
	"errors"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/buffer"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/consensus"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
)

// Status is the device snapshot served to the API layer.
type Status struct {
	DeviceID         string                                  `json:"device_id"`
	DeviceType       domain.DeviceType                       `json:"device_type"`
	Location         string                                  `json:"location"`
	ClusterID        string                                  `json:"cluster_id"`
	IsOnline         bool                                    `json:"is_online"`
	BatteryLevel     float64                                 `json:"battery_level"`
	SignalStrength   float64                                 `json:"signal_strength"`
	CreatedAt        time.Time                               `json:"created_at"`
	LastSeen         time.Time                               `json:"last_seen"`
	SensorReadings   map[domain.Channel]domain.SensorReading `json:"sensor_readings"`
	LastAnomalies    map[domain.Channel]domain.AnomalyResult `json:"last_anomalies"`
	EmergencyMode    bool                                    `json:"emergency_mode"`
	StopReason       string                                  `json:"stop_reason,omitempty"`
	Route            string                                  `json:"route,omitempty"`
	LastAlert        string                                  `json:"last_alert,omitempty"`
	ActiveEmergency  *Emergency                              `json:"active_emergency,omitempty"`
	ExecutedCommands int                                     `json:"executed_commands"`
	LastCommand      *domain.Command                         `json:"last_command,omitempty"`
	BufferStatus     buffer.Status                           `json:"buffer_status"`
	ConsensusStatus  *consensus.Status                       `json:"consensus_status"`
}

func (a *Agent) Status(ctx context.Context) Status {
	a.mu.RLock()
	st := Status{
		DeviceID:         a.id,
		DeviceType:       a.typ,
		Location:         a.location,
		ClusterID:        a.clusterID,
		BatteryLevel:     a.battery,
		SignalStrength:   a.signal,
		CreatedAt:        a.createdAt,
		LastSeen:         a.lastSeen,
		SensorReadings:   make(map[domain.Channel]domain.SensorReading, len(a.readings)),
		LastAnomalies:    make(map[domain.Channel]domain.AnomalyResult, len(a.lastAnomalies)),
		EmergencyMode:    a.emergencyMode,
		StopReason:       a.stopReason,
		Route:            a.route,
		LastAlert:        a.lastAlert,
		ExecutedCommands: a.executed,
	}
	for ch, r := range a.readings {
		st.SensorReadings[ch] = r
	}
	for ch, r := range a.lastAnomalies {
		st.LastAnomalies[ch] = r
	}
	if a.emergency != nil {
		e := *a.emergency
		st.ActiveEmergency = &e
	}
	if a.lastCommand != nil {
		c := *a.lastCommand
		st.LastCommand = &c
	}
	a.mu.RUnlock()

	// A closed device still reports its in-memory buffer state.
	bs, err := a.buffer.Status(ctx)
	if err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn().Err(err).Msg("buffer status unavailable")
	}
	st.BufferStatus = bs
	st.IsOnline = bs.Connected
	if a.node != nil {
		cs := a.node.Status()
		st.ConsensusStatus = &cs
	}
	return st
}
