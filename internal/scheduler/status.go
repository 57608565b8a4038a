package scheduler

import (
	"context"
	"io"
	"time"

	"gpumux/internal/adapter"
	"gpumux/internal/registry"
	"gpumux/internal/store"
	"gpumux/pkg/types"
)

// Ready reports whether the coordination loop is accepting commands.
func (s *Scheduler) Ready(ctx context.Context) bool {
	return s.do(ctx, func() {}) == nil
}

// GetStatus summarizes the fleet.
func (s *Scheduler) GetStatus(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := s.do(ctx, func() {
		states := s.reg.States()
		out.Total = len(states)
		for _, st := range states {
			switch st.Status {
			case types.StatusRunning:
				out.Running++
			case types.StatusQueued:
				out.Queued++
			case types.StatusError:
				out.Failed++
			}
		}
	})
	return out, err
}

// GetQueue returns queued models in admission order (priority desc, arrival
// asc).
func (s *Scheduler) GetQueue(ctx context.Context) ([]types.ModelRuntimeState, error) {
	var out []types.ModelRuntimeState
	err := s.do(ctx, func() {
		for _, it := range s.queue.ordered() {
			if st, ok := s.reg.State(it.modelID); ok {
				st.Priority = it.priority
				out = append(out, st)
			}
		}
	})
	return out, err
}

// GetModels returns every config with its runtime state.
func (s *Scheduler) GetModels(ctx context.Context) ([]types.ModelConfig, []types.ModelRuntimeState, error) {
	var cfgs []types.ModelConfig
	var states []types.ModelRuntimeState
	err := s.do(ctx, func() {
		cfgs = s.reg.Configs()
		states = s.reg.States()
	})
	return cfgs, states, err
}

// GetModel returns one model's config and runtime state.
func (s *Scheduler) GetModel(ctx context.Context, id string) (types.ModelConfig, types.ModelRuntimeState, error) {
	var cfg types.ModelConfig
	var st types.ModelRuntimeState
	var outErr error
	err := s.do(ctx, func() {
		var ok bool
		if cfg, ok = s.reg.Config(id); !ok {
			outErr = registry.ErrNotFound(id)
			return
		}
		st, _ = s.reg.State(id)
	})
	if err != nil {
		return types.ModelConfig{}, types.ModelRuntimeState{}, err
	}
	return cfg, st, outErr
}

// GetResourceAllocation returns every device with its per-model
// reservations.
func (s *Scheduler) GetResourceAllocation(ctx context.Context) ([]types.DeviceAllocation, error) {
	var out []types.DeviceAllocation
	err := s.do(ctx, func() {
		for _, d := range s.inv.List() {
			out = append(out, types.DeviceAllocation{
				Device:       d,
				Reservations: s.inv.Reservations(d.DeviceID),
			})
		}
	})
	return out, err
}

// GetPolicy exposes the effective scheduling tunables.
func (s *Scheduler) GetPolicy(ctx context.Context) (types.SchedulingPolicy, error) {
	var out types.SchedulingPolicy
	err := s.do(ctx, func() {
		out = types.SchedulingPolicy{
			TickIntervalS:       int(s.cfg.TickInterval / time.Second),
			PreemptionCooldownS: int(s.cfg.PreemptionCooldown / time.Second),
			AllowPreemption:     !s.cfg.DisablePreemption,
			ProbeWorkers:        s.cfg.ProbeWorkers,
		}
	})
	return out, err
}

// GetHistory queries the decision log. limit 0 means backend default; hours
// 0 means no time bound; modelID "" means all models. Reads go straight to
// the repository, which is safe for concurrent use.
func (s *Scheduler) GetHistory(ctx context.Context, limit, hours int, modelID string) ([]types.SchedulingDecision, error) {
	f := store.DecisionFilter{ModelID: modelID, Limit: limit}
	if hours > 0 {
		f.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	return s.repo.QueryDecisions(ctx, f)
}

// Logs streams the backend's recent output for a model. The handle is
// snapshotted on the loop; the adapter call itself happens on the caller's
// goroutine since adapters are safe for concurrent use.
func (s *Scheduler) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	var cfg types.ModelConfig
	var h *adapter.Handle
	var status types.ModelStatus
	var outErr error
	err := s.do(ctx, func() {
		var ok bool
		if cfg, ok = s.reg.Config(id); !ok {
			outErr = registry.ErrNotFound(id)
			return
		}
		st, _ := s.reg.State(id)
		status = st.Status
		h = s.handles[id]
	})
	if err != nil {
		return nil, err
	}
	if outErr != nil {
		return nil, outErr
	}
	if h == nil {
		return nil, registry.ErrInvalidState(id, status, "read logs from")
	}
	ad, ok := s.adapters.For(cfg.Framework)
	if !ok {
		return nil, registry.ErrNotFound(id)
	}
	return ad.Logs(ctx, h)
}
