package types

import "time"

// ModelStatus is the lifecycle state of a workload.
type ModelStatus string

const (
	StatusStopped   ModelStatus = "stopped"
	StatusQueued    ModelStatus = "queued"
	StatusStarting  ModelStatus = "starting"
	StatusRunning   ModelStatus = "running"
	StatusStopping  ModelStatus = "stopping"
	StatusError     ModelStatus = "error"
	StatusPreempted ModelStatus = "preempted"
)

// HoldsDevices reports whether a model in this status owns a device
// reservation. Assignment exists iff status is Starting, Running or Stopping.
func (s ModelStatus) HoldsDevices() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// ModelRuntimeState is the scheduler's view of a workload. It is mutated only
// by the coordination loop; callers receive copies.
type ModelRuntimeState struct {
	ModelID string      `json:"model_id"`
	Status  ModelStatus `json:"status"`
	// Effective priority, fixed for the lifetime of the ModelConfig.
	Priority            int        `json:"priority"`
	AssignedDevices     []string   `json:"assigned_devices,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RetryCount          int        `json:"retry_count"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	LastHealthCheckAt   *time.Time `json:"last_health_check_at,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	EnqueuedAt          time.Time  `json:"enqueued_at,omitempty"`
	StartedAt           time.Time  `json:"started_at,omitempty"`
}
