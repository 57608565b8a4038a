package registry

import (
	"fmt"
	"strings"

	"gpumux/pkg/types"
)

// Defaults applied by Resolve when the corresponding field is unset.
const (
	DefaultGPUCount         = 1
	DefaultHealthIntervalS  = 30
	DefaultHealthTimeoutS   = 10
	DefaultHealthMaxFails   = 3
	DefaultRetryMaxAttempts = 3
	DefaultRetryInitialS    = 60
	DefaultRetryMaxDelayS   = 300
	DefaultRetryFactor      = 2.0
)

// Resolve validates a config and fills in defaults. The scheduler operates
// on fully-resolved configs only, so every optional field is pinned here.
func Resolve(cfg types.ModelConfig) (types.ModelConfig, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return cfg, ErrValidation("id is required")
	}
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return cfg, ErrValidation("model_path is required")
	}
	if cfg.Priority < types.PriorityMin || cfg.Priority > types.PriorityMax {
		return cfg, ErrValidation(fmt.Sprintf("priority %d out of range %d..%d",
			cfg.Priority, types.PriorityMin, types.PriorityMax))
	}
	known := false
	for _, f := range types.KnownFrameworks() {
		if cfg.Framework == f {
			known = true
			break
		}
	}
	if !known {
		return cfg, ErrValidation(fmt.Sprintf("unknown framework %q", cfg.Framework))
	}
	if cfg.Resources.GPUMemoryMB <= 0 {
		return cfg, ErrValidation("gpu_memory_mb must be positive")
	}
	if cfg.Resources.GPUCount == 0 {
		cfg.Resources.GPUCount = DefaultGPUCount
	}
	if cfg.Resources.GPUCount < 0 {
		return cfg, ErrValidation("gpu_count must not be negative")
	}
	if len(cfg.GPUDevices) > 0 && cfg.Resources.GPUCount > len(cfg.GPUDevices) {
		return cfg, ErrValidation("gpu_count exceeds pinned gpu_devices")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	hc := &cfg.HealthCheck
	if hc.Enabled {
		if hc.IntervalS == 0 {
			hc.IntervalS = DefaultHealthIntervalS
		}
		if hc.TimeoutS == 0 {
			hc.TimeoutS = DefaultHealthTimeoutS
		}
		if hc.MaxFailures == 0 {
			hc.MaxFailures = DefaultHealthMaxFails
		}
		if hc.IntervalS < 0 || hc.TimeoutS < 0 || hc.MaxFailures < 0 {
			return cfg, ErrValidation("health_check_policy fields must not be negative")
		}
	}

	rp := &cfg.Retry
	if rp.MaxAttempts == 0 {
		rp.MaxAttempts = DefaultRetryMaxAttempts
	}
	if rp.InitialDelayS == 0 {
		rp.InitialDelayS = DefaultRetryInitialS
	}
	if rp.MaxDelayS == 0 {
		rp.MaxDelayS = DefaultRetryMaxDelayS
	}
	if rp.BackoffFactor == 0 {
		rp.BackoffFactor = DefaultRetryFactor
	}
	if rp.MaxAttempts < 0 || rp.InitialDelayS < 0 || rp.MaxDelayS < 0 {
		return cfg, ErrValidation("retry_policy fields must not be negative")
	}
	if rp.BackoffFactor < 1 {
		return cfg, ErrValidation("backoff_factor must be >= 1")
	}
	if rp.MaxDelayS < rp.InitialDelayS {
		return cfg, ErrValidation("max_delay_s must be >= initial_delay_s")
	}
	return cfg, nil
}
