package adapter

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gpumux/pkg/types"
)

func TestRegistryMapping(t *testing.T) {
	r := NewRegistry(Options{})
	proc, ok := r.For(types.FrameworkLlamaCpp)
	if !ok {
		t.Fatal("no adapter for llama_cpp")
	}
	vllm, ok := r.For(types.FrameworkVLLM)
	if !ok {
		t.Fatal("no adapter for vllm")
	}
	if proc != vllm {
		t.Fatal("llama_cpp and vllm must share the process adapter")
	}
	if _, ok := r.For(types.FrameworkDocker); !ok {
		t.Fatal("no adapter for docker")
	}
	if _, ok := r.For("tensorrt"); ok {
		t.Fatal("unknown framework resolved")
	}
}

func TestRegistryOverride(t *testing.T) {
	r := NewRegistry(Options{})
	fake := NewFake()
	r.Override(types.FrameworkDocker, fake)
	got, _ := r.For(types.FrameworkDocker)
	if got != Adapter(fake) {
		t.Fatal("override not applied")
	}
}

func TestProcessValidateConfig(t *testing.T) {
	modelFile := filepath.Join(t.TempDir(), "weights.gguf")
	if err := os.WriteFile(modelFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}

	a := NewProcessAdapter(Options{LlamaBin: "/usr/bin/llama-server"})

	cfg := types.ModelConfig{Framework: types.FrameworkLlamaCpp, ModelPath: modelFile}
	if err := a.ValidateConfig(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.gguf")
	if err := a.ValidateConfig(cfg); err == nil {
		t.Fatal("missing model path accepted")
	}

	cfg = types.ModelConfig{Framework: types.FrameworkVLLM, ModelPath: modelFile}
	if err := a.ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "vllm") {
		t.Fatalf("vllm without binary: err = %v", err)
	}

	cfg.Framework = types.FrameworkDocker
	if err := a.ValidateConfig(cfg); err == nil {
		t.Fatal("process adapter accepted docker framework")
	}
}

func TestProcessArgv(t *testing.T) {
	a := NewProcessAdapter(Options{LlamaBin: "/opt/llama-server", VLLMBin: "/opt/vllm"})

	bin, args := a.argv(types.ModelConfig{
		Framework: types.FrameworkLlamaCpp,
		ModelPath: "/models/x.gguf",
		Parameters: map[string]string{"args": "--ctx-size 4096"},
	}, "127.0.0.1", 9001)
	if bin != "/opt/llama-server" {
		t.Fatalf("bin = %q", bin)
	}
	joined := strings.Join(args, " ")
	if !strings.HasPrefix(joined, "-m /models/x.gguf --host 127.0.0.1 --port 9001") {
		t.Fatalf("llama argv = %q", joined)
	}
	if !strings.HasSuffix(joined, "--ctx-size 4096") {
		t.Fatalf("extra args missing: %q", joined)
	}

	bin, args = a.argv(types.ModelConfig{
		Framework: types.FrameworkVLLM,
		ModelPath: "/models/llm",
	}, "127.0.0.1", 9002)
	if bin != "/opt/vllm" || args[0] != "serve" || args[1] != "/models/llm" {
		t.Fatalf("vllm argv = %q %v", bin, args)
	}
}

func TestProcessStopUnknownHandle(t *testing.T) {
	a := NewProcessAdapter(Options{})
	if err := a.Stop(context.Background(), nil); err != nil {
		t.Fatalf("nil handle: %v", err)
	}
	if err := a.Stop(context.Background(), &Handle{ModelID: "never-started"}); err != nil {
		t.Fatalf("unknown handle: %v", err)
	}
}

func TestProcessStartEarlyExitUntracked(t *testing.T) {
	a := NewProcessAdapter(Options{LlamaBin: "/bin/false"})
	cfg := types.ModelConfig{ID: "m1", Framework: types.FrameworkLlamaCpp, ModelPath: "/models/x.gguf"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.Start(ctx, cfg, []string{"GPU-0"}); err == nil || !strings.Contains(err.Error(), "exited") {
		t.Fatalf("start with exiting binary: err = %v", err)
	}

	a.mu.Lock()
	_, tracked := a.procs["m1"]
	a.mu.Unlock()
	if tracked {
		t.Fatal("exited process still tracked")
	}
	if err := a.Stop(ctx, &Handle{ModelID: "m1"}); err != nil {
		t.Fatalf("stop after early exit: %v", err)
	}
}

func TestPickPortInRange(t *testing.T) {
	port, err := pickPortInRange("127.0.0.1", 20000, 20100)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if port < 20000 || port > 20100 {
		t.Fatalf("port %d outside range", port)
	}

	// Occupy a single-port range; picking from it must fail.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	if _, err := pickPortInRange("127.0.0.1", busy, busy); err == nil {
		t.Fatal("picked a busy port")
	}
}

func TestPickFreePort(t *testing.T) {
	port, err := pickFreePort("127.0.0.1")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port = %d", port)
	}
}

func TestLogRingKeepsTail(t *testing.T) {
	r := newLogRing(8)
	r.Write([]byte("0123456789"))
	if got := string(r.Bytes()); got != "23456789" {
		t.Fatalf("ring = %q, want last 8 bytes", got)
	}
	if got := r.Tail(4); got != "6789" {
		t.Fatalf("tail = %q", got)
	}
}

func TestDockerValidateConfig(t *testing.T) {
	a := NewDockerAdapter(Options{})
	err := a.ValidateConfig(types.ModelConfig{Framework: types.FrameworkDocker, ModelPath: "vllm/vllm-openai:latest"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := a.ValidateConfig(types.ModelConfig{Framework: types.FrameworkDocker}); err == nil {
		t.Fatal("missing image accepted")
	}
	if err := a.ValidateConfig(types.ModelConfig{Framework: types.FrameworkLlamaCpp, ModelPath: "x"}); err == nil {
		t.Fatal("wrong framework accepted")
	}
}

func TestFakeAdapter(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	cfg := types.ModelConfig{ID: "m1"}

	h, err := f.Start(ctx, cfg, []string{"GPU-0"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.Running("m1") || f.Starts() != 1 {
		t.Fatal("start not recorded")
	}
	if !f.HealthCheck(ctx, h) {
		t.Fatal("default health must pass")
	}
	if f.HealthCheck(ctx, nil) {
		t.Fatal("nil handle healthy")
	}
	if err := f.Stop(ctx, h); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.Running("m1") || f.Stops() != 1 {
		t.Fatal("stop not recorded")
	}
	if err := f.Stop(ctx, nil); err != nil {
		t.Fatalf("nil stop: %v", err)
	}
}
