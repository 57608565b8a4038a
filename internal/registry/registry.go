// Package registry holds declared model configurations and their runtime
// state. Like the inventory, it is owned by the scheduler's coordination
// loop and carries no locking of its own.
package registry

import (
	"sort"
	"time"

	"gpumux/pkg/types"
)

type entry struct {
	cfg   types.ModelConfig
	state types.ModelRuntimeState
}

// Registry maps model ids to config + runtime state.
type Registry struct {
	models map[string]*entry
}

func New() *Registry {
	return &Registry{models: make(map[string]*entry)}
}

// Create validates, resolves defaults and stores a new config. The model
// starts in Stopped with no runtime history.
func (r *Registry) Create(cfg types.ModelConfig) (types.ModelConfig, error) {
	if _, exists := r.models[cfg.ID]; exists {
		return types.ModelConfig{}, errModelExists{id: cfg.ID}
	}
	resolved, err := Resolve(cfg)
	if err != nil {
		return types.ModelConfig{}, err
	}
	now := time.Now()
	resolved.CreatedAt = now
	resolved.UpdatedAt = now
	r.models[resolved.ID] = &entry{
		cfg: resolved,
		state: types.ModelRuntimeState{
			ModelID:  resolved.ID,
			Status:   types.StatusStopped,
			Priority: resolved.Priority,
		},
	}
	return resolved, nil
}

// Update replaces a config wholesale. The runtime state survives, but the
// effective priority follows the new config.
func (r *Registry) Update(id string, cfg types.ModelConfig) (types.ModelConfig, error) {
	e, ok := r.models[id]
	if !ok {
		return types.ModelConfig{}, errModelNotFound{id: id}
	}
	cfg.ID = id
	resolved, err := Resolve(cfg)
	if err != nil {
		return types.ModelConfig{}, err
	}
	resolved.CreatedAt = e.cfg.CreatedAt
	resolved.UpdatedAt = time.Now()
	e.cfg = resolved
	e.state.Priority = resolved.Priority
	return resolved, nil
}

// Delete removes a model. Only permitted while Stopped.
func (r *Registry) Delete(id string) error {
	e, ok := r.models[id]
	if !ok {
		return errModelNotFound{id: id}
	}
	if e.state.Status != types.StatusStopped {
		return errInvalidState{id: id, status: e.state.Status, op: "delete"}
	}
	delete(r.models, id)
	return nil
}

// Adopt installs a previously persisted config. Full validation already ran
// when the config was first saved; only structural corruption is rejected.
// Used at startup.
func (r *Registry) Adopt(cfg types.ModelConfig) error {
	if cfg.ID == "" {
		return validationError{msg: "missing id"}
	}
	r.models[cfg.ID] = &entry{
		cfg: cfg,
		state: types.ModelRuntimeState{
			ModelID:  cfg.ID,
			Status:   types.StatusStopped,
			Priority: cfg.Priority,
		},
	}
	return nil
}

// Config returns a copy of the stored config.
func (r *Registry) Config(id string) (types.ModelConfig, bool) {
	e, ok := r.models[id]
	if !ok {
		return types.ModelConfig{}, false
	}
	return e.cfg, true
}

// State returns a copy of the runtime state.
func (r *Registry) State(id string) (types.ModelRuntimeState, bool) {
	e, ok := r.models[id]
	if !ok {
		return types.ModelRuntimeState{}, false
	}
	return copyState(e.state), true
}

// MutState returns the live runtime state for in-loop mutation.
func (r *Registry) MutState(id string) (*types.ModelRuntimeState, bool) {
	e, ok := r.models[id]
	if !ok {
		return nil, false
	}
	return &e.state, true
}

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.models) }

// States returns copies of all runtime states, id-sorted for stable output.
func (r *Registry) States() []types.ModelRuntimeState {
	out := make([]types.ModelRuntimeState, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, copyState(e.state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Configs returns copies of all configs, id-sorted.
func (r *Registry) Configs() []types.ModelConfig {
	out := make([]types.ModelConfig, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyState(s types.ModelRuntimeState) types.ModelRuntimeState {
	out := s
	out.AssignedDevices = append([]string(nil), s.AssignedDevices...)
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		out.NextRetryAt = &t
	}
	if s.LastHealthCheckAt != nil {
		t := *s.LastHealthCheckAt
		out.LastHealthCheckAt = &t
	}
	return out
}
