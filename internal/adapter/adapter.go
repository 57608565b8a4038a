// Package adapter maps model lifecycle operations onto a concrete inference
// backend. Two variants exist: a process adapter that spawns and supervises
// a local engine server, and a container adapter driving the Docker API.
// The scheduler never branches on backend type; it resolves an Adapter once
// through the Registry and uses the capability set below.
package adapter

import (
	"context"
	"io"

	"gpumux/pkg/types"
)

// Handle identifies a started backend instance. It is opaque to the
// scheduler: only the adapter that issued it interprets the fields.
type Handle struct {
	ModelID     string
	PID         int
	BaseURL     string
	ContainerID string
}

// Adapter is the fixed capability set every backend implements.
//
// Start blocks until the backend is reachable or ctx expires; callers run it
// on a dedicated worker with a timeout. Stop is idempotent: stopping twice
// or stopping an unknown handle is a no-op success.
type Adapter interface {
	ValidateConfig(cfg types.ModelConfig) error
	Start(ctx context.Context, cfg types.ModelConfig, devices []string) (*Handle, error)
	Stop(ctx context.Context, h *Handle) error
	HealthCheck(ctx context.Context, h *Handle) bool
	Logs(ctx context.Context, h *Handle) (io.ReadCloser, error)
}

// Options are shared tunables for the built-in adapters.
type Options struct {
	// Engine binaries for process frameworks.
	LlamaBin string
	VLLMBin  string
	// Host and port range for spawned engine servers.
	Host      string
	PortStart int
	PortEnd   int
	// Grace period between SIGTERM and SIGKILL / docker stop timeout.
	StopGraceS int
}

// Registry resolves a framework tag to its adapter. The mapping is closed:
// llama_cpp and vllm share the process adapter (different launch argv),
// docker uses the container adapter.
type Registry struct {
	adapters map[types.Framework]Adapter
}

// NewRegistry builds the default adapter set. The docker adapter dials lazily,
// so constructing the registry never touches the Docker socket.
func NewRegistry(opts Options) *Registry {
	proc := NewProcessAdapter(opts)
	return &Registry{adapters: map[types.Framework]Adapter{
		types.FrameworkLlamaCpp: proc,
		types.FrameworkVLLM:     proc,
		types.FrameworkDocker:   NewDockerAdapter(opts),
	}}
}

// For returns the adapter for a framework.
func (r *Registry) For(fw types.Framework) (Adapter, bool) {
	a, ok := r.adapters[fw]
	return a, ok
}

// Override replaces the adapter for a framework. Used by tests and by
// embedders that bring their own backend.
func (r *Registry) Override(fw types.Framework, a Adapter) {
	r.adapters[fw] = a
}

// StopAll asks every adapter that supervises local resources to release
// them. Best effort, used at daemon shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	seen := make(map[Adapter]bool)
	for _, a := range r.adapters {
		if seen[a] {
			continue
		}
		seen[a] = true
		if s, ok := a.(interface{ StopAll(context.Context) }); ok {
			s.StopAll(ctx)
		}
	}
}
