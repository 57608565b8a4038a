package store

import (
	"context"
	"sort"
	"sync"

	"gpumux/pkg/types"
)

// Memory is an in-memory Repository for tests and throwaway runs.
type Memory struct {
	mu        sync.Mutex
	configs   map[string]types.ModelConfig
	decisions []types.SchedulingDecision
}

func NewMemory() *Memory {
	return &Memory{configs: make(map[string]types.ModelConfig)}
}

func (m *Memory) SaveConfig(_ context.Context, cfg types.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *Memory) DeleteConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, id)
	return nil
}

func (m *Memory) LoadAllConfigs(_ context.Context) ([]types.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ModelConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendDecision(_ context.Context, d types.SchedulingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) QueryDecisions(_ context.Context, f DecisionFilter) ([]types.SchedulingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	var out []types.SchedulingDecision
	// newest first
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.decisions[i]
		if f.ModelID != "" && d.ModelID != f.ModelID {
			continue
		}
		if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Decisions returns every appended decision in order, for assertions.
func (m *Memory) Decisions() []types.SchedulingDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SchedulingDecision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

func (m *Memory) Close() error { return nil }
