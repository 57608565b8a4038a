package types

// GPUDevice is a point-in-time view of one device: telemetry fields refreshed
// by the provider, reservation fields maintained by the scheduler.
type GPUDevice struct {
	DeviceID string `json:"device_id"`
	// Total memory reported by telemetry.
	TotalMemoryMB int64 `json:"total_memory_mb"`
	// Sum of reservations held by assigned models.
	UsedMemoryMB   int64    `json:"used_memory_mb"`
	UtilizationPct float64  `json:"utilization_pct"`
	Temperature    float64  `json:"temperature"`
	AssignedModels []string `json:"assigned_model_ids"`
}

// FreeMemoryMB is the unreserved remainder; negative when the operator forced
// an oversubscribed placement.
func (d GPUDevice) FreeMemoryMB() int64 { return d.TotalMemoryMB - d.UsedMemoryMB }
