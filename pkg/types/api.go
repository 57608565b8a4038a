package types

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Total number of registered models.
	Total int `json:"total"`
	// Models currently running.
	Running int `json:"running"`
	// Models waiting for admission.
	Queued int `json:"queued"`
	// Models in error state.
	Failed int `json:"failed"`
}

// DeviceAllocation pairs a device with the models reserved on it.
type DeviceAllocation struct {
	Device GPUDevice `json:"device"`
	// Reserved MB per assigned model id.
	Reservations map[string]int64 `json:"reservations"`
}

// SchedulingPolicy exposes the scheduler's effective tunables.
type SchedulingPolicy struct {
	TickIntervalS       int  `json:"tick_interval_s"`
	PreemptionCooldownS int  `json:"preemption_cooldown_s"`
	AllowPreemption     bool `json:"allow_preemption"`
	ProbeWorkers        int  `json:"probe_workers"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
