package fleet

import (
	"context"
	"errors"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
)

// DeviceSpec describes a device to create.
type DeviceSpec struct {
	ID       string            `json:"deviceId" mapstructure:"id"`
	Type     domain.DeviceType `json:"deviceType" mapstructure:"type"`
	Location string            `json:"location" mapstructure:"location"`
}

// DefaultDevices is the warehouse fleet the monitor starts with.
func DefaultDevices() []DeviceSpec {
	return []DeviceSpec{
		{ID: "device-001", Type: domain.DeviceSensor, Location: "Warehouse A"},
		{ID: "device-002", Type: domain.DeviceGateway, Location: "Warehouse A"},
		{ID: "device-003", Type: domain.DeviceController, Location: "Warehouse A"},
		{ID: "device-004", Type: domain.DeviceCamera, Location: "Warehouse B"},
		{ID: "device-005", Type: domain.DeviceRobot, Location: "Warehouse B"},
		{ID: "device-006", Type: domain.DeviceSensor, Location: "Loading Dock"},
		{ID: "device-007", Type: domain.DeviceGateway, Location: "Warehouse B"},
		{ID: "device-008", Type: domain.DeviceController, Location: "Loading Dock"},
		{ID: "device-009", Type: domain.DeviceDrone, Location: "Warehouse A"},
		{ID: "device-010", Type: domain.DeviceSensor, Location: "Warehouse B"},
	}
}

// Seed adds every device in specs, skipping ones that already exist.
func (o *Orchestrator) Seed(ctx context.Context, specs []DeviceSpec) error {
	var errs []error
	for _, s := range specs {
		if _, err := o.AddDevice(ctx, s.ID, s.Type, s.Location); err != nil && !errors.Is(err, ErrDeviceExists) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
