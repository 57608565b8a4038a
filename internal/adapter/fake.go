package adapter

import (
	"context"
	"io"
	"strings"
	"sync"

	"gpumux/pkg/types"
)

// Fake is a scriptable in-memory adapter used by tests across packages.
// All hooks are optional; the zero value starts instantly, stays healthy
// and stops cleanly.
type Fake struct {
	mu      sync.Mutex
	running map[string]bool
	starts  int
	stops   int

	// StartErr, when set, fails every Start.
	StartErr error
	// StartHook runs before a start succeeds; returning an error fails it.
	StartHook func(cfg types.ModelConfig, devices []string) error
	// Healthy decides probe results per model; nil means always healthy.
	Healthy func(modelID string) bool
}

func NewFake() *Fake {
	return &Fake{running: make(map[string]bool)}
}

func (f *Fake) ValidateConfig(types.ModelConfig) error { return nil }

func (f *Fake) Start(_ context.Context, cfg types.ModelConfig, devices []string) (*Handle, error) {
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	if f.StartHook != nil {
		if err := f.StartHook(cfg, devices); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.running[cfg.ID] = true
	f.starts++
	f.mu.Unlock()
	return &Handle{ModelID: cfg.ID}, nil
}

func (f *Fake) Stop(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	f.mu.Lock()
	delete(f.running, h.ModelID)
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *Fake) HealthCheck(_ context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	if f.Healthy != nil {
		return f.Healthy(h.ModelID)
	}
	return true
}

func (f *Fake) Logs(_ context.Context, h *Handle) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// Running reports whether the fake considers a model started.
func (f *Fake) Running(modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[modelID]
}

// Starts returns the number of successful Start calls.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stops returns the number of Stop calls.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
