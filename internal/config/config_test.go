package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	require.NoError(t, Load())

	cfg := Fleet()
	assert.Empty(t, cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Agent.CycleInterval)
	assert.Zero(t, cfg.Agent.EscalationCooldown)
	assert.Equal(t, 500, cfg.Agent.Buffer.Capacity)
	assert.Equal(t, 3, cfg.Agent.Buffer.MaxRetries)
	assert.Equal(t, 50, cfg.Agent.Anomaly.WindowSize)
	assert.Equal(t, 2.5, cfg.Agent.Anomaly.ThresholdMultiplier)
	assert.Equal(t, 150*time.Millisecond, cfg.Consensus.ElectionTimeoutMin)
	assert.Equal(t, 50*time.Millisecond, cfg.Consensus.HeartbeatInterval)
	assert.Equal(t, zerolog.InfoLevel, LogLevel())
	assert.False(t, UseCloudServices())
	assert.Equal(t, 35.0, Thresholds().TemperatureMax)

	devices, err := Devices()
	require.NoError(t, err)
	assert.Equal(t, fleet.DefaultDevices(), devices)
}

func TestEnvironmentOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BUFFER_CAPACITY", "1000")
	t.Setenv("RAFT_ELECTION_TIMEOUT_MAX", "2s")
	t.Setenv("FLEET_DATA_DIR", "/var/lib/fleet")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("USE_CLOUD_SERVICES", "true")
	require.NoError(t, Load())

	cfg := Fleet()
	assert.Equal(t, 1000, cfg.Agent.Buffer.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Consensus.ElectionTimeoutMax)
	assert.Equal(t, "/var/lib/fleet", cfg.DataDir)
	assert.Equal(t, zerolog.DebugLevel, LogLevel())
	assert.True(t, UseCloudServices())
}

func TestDevicesFromConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigType("yaml")
	require.NoError(t, viper.ReadConfig(strings.NewReader(`
devices:
  - id: dock-1
    type: robot
    location: Loading Dock
  - id: dock-2
    type: sensor
    location: Loading Dock
`)))

	devices, err := Devices()
	require.NoError(t, err)
	assert.Equal(t, []fleet.DeviceSpec{
		{ID: "dock-1", Type: domain.DeviceRobot, Location: "Loading Dock"},
		{ID: "dock-2", Type: domain.DeviceSensor, Location: "Loading Dock"},
	}, devices)
}
