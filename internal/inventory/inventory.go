// Package inventory tracks GPU devices and their reserved capacity.
//
// The Inventory is owned by the scheduler's coordination loop: all mutation
// and reads happen from that single goroutine, so it carries no locking of
// its own.
package inventory

import "gpumux/pkg/types"

type device struct {
	id            string
	totalMB       int64
	utilization   float64
	temperature   float64
	// reserved MB per model id; used = sum of values
	reservations map[string]int64
}

func (d *device) usedMB() int64 {
	var sum int64
	for _, mb := range d.reservations {
		sum += mb
	}
	return sum
}

// Inventory is the authoritative view of devices and reservations.
type Inventory struct {
	devices map[string]*device
	order   []string // stable listing order (discovery order)
}

func New() *Inventory {
	return &Inventory{devices: make(map[string]*device)}
}

// DeviceSample is a telemetry reading for one device.
type DeviceSample struct {
	DeviceID      string
	TotalMemoryMB int64
	Utilization   float64
	Temperature   float64
}

// Update refreshes telemetry fields and discovers new devices. Reservations
// are never touched here; a device that disappears from telemetry keeps its
// reservations until they are released.
func (inv *Inventory) Update(samples []DeviceSample) {
	for _, s := range samples {
		d, ok := inv.devices[s.DeviceID]
		if !ok {
			d = &device{id: s.DeviceID, reservations: make(map[string]int64)}
			inv.devices[s.DeviceID] = d
			inv.order = append(inv.order, s.DeviceID)
		}
		d.totalMB = s.TotalMemoryMB
		d.utilization = s.Utilization
		d.temperature = s.Temperature
	}
}

// List returns a snapshot of all devices in discovery order.
func (inv *Inventory) List() []types.GPUDevice {
	out := make([]types.GPUDevice, 0, len(inv.order))
	for _, id := range inv.order {
		out = append(out, inv.snapshot(inv.devices[id]))
	}
	return out
}

// Get returns a snapshot of one device.
func (inv *Inventory) Get(deviceID string) (types.GPUDevice, bool) {
	d, ok := inv.devices[deviceID]
	if !ok {
		return types.GPUDevice{}, false
	}
	return inv.snapshot(d), true
}

// Reservations returns the per-model reserved MB on a device.
func (inv *Inventory) Reservations(deviceID string) map[string]int64 {
	d, ok := inv.devices[deviceID]
	if !ok {
		return nil
	}
	out := make(map[string]int64, len(d.reservations))
	for id, mb := range d.reservations {
		out[id] = mb
	}
	return out
}

// FreeMB returns the unreserved memory on a device, 0 if unknown.
func (inv *Inventory) FreeMB(deviceID string) int64 {
	d, ok := inv.devices[deviceID]
	if !ok {
		return 0
	}
	return d.totalMB - d.usedMB()
}

// TryReserve reserves memMB on every named device for modelID, or none at
// all. Returns false without side effects when any device is unknown or
// lacks capacity.
func (inv *Inventory) TryReserve(deviceIDs []string, memMB int64, modelID string) bool {
	if len(deviceIDs) == 0 {
		return false
	}
	for _, id := range deviceIDs {
		d, ok := inv.devices[id]
		if !ok {
			return false
		}
		if d.usedMB()+memMB > d.totalMB {
			return false
		}
	}
	for _, id := range deviceIDs {
		inv.devices[id].reservations[modelID] += memMB
	}
	return true
}

// ForceReserve reserves without a capacity check. Used only for
// operator-forced placements, which may oversubscribe a device.
func (inv *Inventory) ForceReserve(deviceIDs []string, memMB int64, modelID string) bool {
	for _, id := range deviceIDs {
		if _, ok := inv.devices[id]; !ok {
			return false
		}
	}
	for _, id := range deviceIDs {
		inv.devices[id].reservations[modelID] += memMB
	}
	return true
}

// Release drops every reservation held by modelID and returns the device ids
// it was released from. Releasing a model with no reservations is a no-op.
func (inv *Inventory) Release(modelID string) []string {
	var released []string
	for _, id := range inv.order {
		d := inv.devices[id]
		if _, ok := d.reservations[modelID]; ok {
			delete(d.reservations, modelID)
			released = append(released, id)
		}
	}
	return released
}

func (inv *Inventory) snapshot(d *device) types.GPUDevice {
	assigned := make([]string, 0, len(d.reservations))
	for id := range d.reservations {
		assigned = append(assigned, id)
	}
	return types.GPUDevice{
		DeviceID:       d.id,
		TotalMemoryMB:  d.totalMB,
		UsedMemoryMB:   d.usedMB(),
		UtilizationPct: d.utilization,
		Temperature:    d.temperature,
		AssignedModels: assigned,
	}
}
