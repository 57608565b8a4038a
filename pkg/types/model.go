package types

import "time"

// Framework identifies the backend engine that serves a model. The set is
// closed: adding a backend means adding an adapter implementation and a new
// constant here.
type Framework string

const (
	FrameworkLlamaCpp Framework = "llama_cpp"
	FrameworkVLLM     Framework = "vllm"
	FrameworkDocker   Framework = "docker"
)

// KnownFrameworks lists the frameworks an adapter exists for.
func KnownFrameworks() []Framework {
	return []Framework{FrameworkLlamaCpp, FrameworkVLLM, FrameworkDocker}
}

// Priority bounds for ModelConfig.Priority (10 = highest).
const (
	PriorityMin = 1
	PriorityMax = 10
)

// ResourceRequirements describes the GPU capacity a model reserves.
// GPUMemoryMB is reserved on each of GPUCount devices.
type ResourceRequirements struct {
	GPUMemoryMB int64 `json:"gpu_memory_mb" yaml:"gpu_memory_mb" toml:"gpu_memory_mb"`
	GPUCount    int   `json:"gpu_count" yaml:"gpu_count" toml:"gpu_count"`
}

// HealthCheckPolicy controls periodic probing of a running model.
type HealthCheckPolicy struct {
	Enabled     bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	IntervalS   int  `json:"interval_s" yaml:"interval_s" toml:"interval_s"`
	TimeoutS    int  `json:"timeout_s" yaml:"timeout_s" toml:"timeout_s"`
	MaxFailures int  `json:"max_failures" yaml:"max_failures" toml:"max_failures"`
}

// RetryPolicy controls re-admission after failures.
type RetryPolicy struct {
	MaxAttempts   int     `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	InitialDelayS int     `json:"initial_delay_s" yaml:"initial_delay_s" toml:"initial_delay_s"`
	MaxDelayS     int     `json:"max_delay_s" yaml:"max_delay_s" toml:"max_delay_s"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
}

// ModelConfig is the declared configuration of a workload. It is immutable
// per version: UpdateModel replaces the whole struct. The scheduler only ever
// sees fully-resolved configs (defaults applied, validation passed).
type ModelConfig struct {
	// Stable identifier for the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// Backend engine serving this model.
	Framework Framework `json:"framework"`
	// Path to model weights (or image reference for container backends).
	ModelPath string `json:"model_path"`
	// Scheduling priority, 1..10, 10 = highest.
	Priority int `json:"priority"`
	// Operator-pinned device ids. Empty means any device.
	GPUDevices  []string             `json:"gpu_devices,omitempty"`
	Resources   ResourceRequirements `json:"resource_requirements"`
	HealthCheck HealthCheckPolicy    `json:"health_check_policy"`
	Retry       RetryPolicy          `json:"retry_policy"`
	// Opaque pass-through for the adapter (extra argv, env, image tags).
	Parameters map[string]string `json:"additional_parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
