package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "gpumux.yaml", `
addr: ":9090"
db_path: /var/lib/gpumux/state.db
tick_interval_s: 5
allow_preemption: false
max_body_bytes: 65536
cors:
  enabled: true
  allowed_origins:
    - https://dash.example
adapter:
  llama_bin: /usr/local/bin/llama-server
  port_start: 9000
  port_end: 9100
devices:
  - id: GPU-0
    total_memory_mb: 24576
  - id: GPU-1
    total_memory_mb: 24576
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.DBPath != "/var/lib/gpumux/state.db" || cfg.TickIntervalS != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.AllowPreemption == nil || *cfg.AllowPreemption {
		t.Fatal("allow_preemption: explicit false must survive loading")
	}
	if cfg.MaxBodyBytes != 65536 {
		t.Fatalf("max_body_bytes = %d", cfg.MaxBodyBytes)
	}
	if !cfg.CORS.Enabled || len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://dash.example" {
		t.Fatalf("cors = %+v", cfg.CORS)
	}
	if cfg.Adapter.LlamaBin != "/usr/local/bin/llama-server" || cfg.Adapter.PortStart != 9000 {
		t.Fatalf("adapter = %+v", cfg.Adapter)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].ID != "GPU-1" || cfg.Devices[1].TotalMemoryMB != 24576 {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "gpumux.json", `{
  "addr": ":8081",
  "probe_workers": 4,
  "devices": [{"id": "GPU-0", "total_memory_mb": 8192}]
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ProbeWorkers != 4 || len(cfg.Devices) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "gpumux.toml", `
addr = ":8082"
log_level = "debug"

[adapter]
vllm_bin = "/opt/vllm/bin/vllm"

[[devices]]
id = "GPU-0"
total_memory_mb = 16384
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8082" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Adapter.VLLMBin != "/opt/vllm/bin/vllm" || cfg.Devices[0].TotalMemoryMB != 16384 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := writeTemp(t, "gpumux.ini", "addr=:8080")
	if _, err := Load(path); err == nil {
		t.Fatal("unsupported extension accepted")
	}
	bad := writeTemp(t, "bad.yaml", "addr: [unclosed")
	if _, err := Load(bad); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := Resolve(Config{})
	if cfg.Addr != ":8080" || cfg.DBPath != "gpumux.db" || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.AllowPreemption == nil || !*cfg.AllowPreemption {
		t.Fatal("allow_preemption default must be true")
	}
	if cfg.Adapter.Host != "127.0.0.1" {
		t.Fatalf("adapter host = %q", cfg.Adapter.Host)
	}
}

func TestResolveKeepsExplicitFalse(t *testing.T) {
	f := false
	cfg := Resolve(Config{AllowPreemption: &f})
	if *cfg.AllowPreemption {
		t.Fatal("explicit allow_preemption=false overridden by defaults")
	}
}
