package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by defaults in Resolve.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	DBPath   string `json:"db_path" yaml:"db_path" toml:"db_path"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	TickIntervalS       int   `json:"tick_interval_s" yaml:"tick_interval_s" toml:"tick_interval_s"`
	PreemptionCooldownS int   `json:"preemption_cooldown_s" yaml:"preemption_cooldown_s" toml:"preemption_cooldown_s"`
	AllowPreemption     *bool `json:"allow_preemption" yaml:"allow_preemption" toml:"allow_preemption"`
	ProbeWorkers        int   `json:"probe_workers" yaml:"probe_workers" toml:"probe_workers"`
	StartTimeoutS       int   `json:"start_timeout_s" yaml:"start_timeout_s" toml:"start_timeout_s"`
	StopTimeoutS        int   `json:"stop_timeout_s" yaml:"stop_timeout_s" toml:"stop_timeout_s"`

	MaxBodyBytes int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORSConfig `json:"cors" yaml:"cors" toml:"cors"`

	Adapter AdapterConfig  `json:"adapter" yaml:"adapter" toml:"adapter"`
	Devices []DeviceConfig `json:"devices" yaml:"devices" toml:"devices"`
}

// CORSConfig opts the HTTP API into cross-origin access, e.g. for a
// dashboard served from another host.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// AdapterConfig configures the built-in backend adapters.
type AdapterConfig struct {
	LlamaBin   string `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	VLLMBin    string `json:"vllm_bin" yaml:"vllm_bin" toml:"vllm_bin"`
	Host       string `json:"host" yaml:"host" toml:"host"`
	PortStart  int    `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd    int    `json:"port_end" yaml:"port_end" toml:"port_end"`
	StopGraceS int    `json:"stop_grace_s" yaml:"stop_grace_s" toml:"stop_grace_s"`
}

// DeviceConfig describes one GPU device for the static telemetry provider.
type DeviceConfig struct {
	ID             string  `json:"id" yaml:"id" toml:"id"`
	TotalMemoryMB  int64   `json:"total_memory_mb" yaml:"total_memory_mb" toml:"total_memory_mb"`
	UtilizationPct float64 `json:"utilization_pct" yaml:"utilization_pct" toml:"utilization_pct"`
	Temperature    float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve fills defaults for unspecified fields.
func Resolve(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "gpumux.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AllowPreemption == nil {
		t := true
		cfg.AllowPreemption = &t
	}
	if cfg.Adapter.Host == "" {
		cfg.Adapter.Host = "127.0.0.1"
	}
	return cfg
}
