package scheduler

import (
	"context"
	"time"

	"gpumux/internal/registry"
	"gpumux/pkg/types"
)

// CreateModel validates, resolves and persists a new model config. The model
// starts Stopped; nothing is scheduled. Validation errors never mutate state.
func (s *Scheduler) CreateModel(ctx context.Context, cfg types.ModelConfig) (types.ModelConfig, error) {
	var out types.ModelConfig
	var outErr error
	err := s.do(ctx, func() {
		resolved, err := s.reg.Create(cfg)
		if err != nil {
			outErr = err
			return
		}
		if ad, ok := s.adapters.For(resolved.Framework); ok {
			if err := ad.ValidateConfig(resolved); err != nil {
				_ = s.reg.Delete(resolved.ID)
				outErr = registry.ErrValidation(err.Error())
				return
			}
		}
		if err := s.repo.SaveConfig(s.baseCtx, resolved); err != nil {
			_ = s.reg.Delete(resolved.ID)
			outErr = err
			return
		}
		out = resolved
	})
	if err != nil {
		return types.ModelConfig{}, err
	}
	return out, outErr
}

// UpdateModel replaces a config wholesale. The new priority takes effect for
// future scheduling; a running model keeps its devices.
func (s *Scheduler) UpdateModel(ctx context.Context, id string, cfg types.ModelConfig) (types.ModelConfig, error) {
	var out types.ModelConfig
	var outErr error
	err := s.doModel(ctx, id, func() error {
		resolved, err := s.reg.Update(id, cfg)
		if err != nil {
			return err
		}
		if err := s.repo.SaveConfig(s.baseCtx, resolved); err != nil {
			return err
		}
		if it, ok := s.queue.get(id); ok {
			it.priority = resolved.Priority
			s.queue.fix(it)
		}
		out = resolved
		return nil
	})
	if err != nil {
		return types.ModelConfig{}, err
	}
	return out, outErr
}

// DeleteModel removes a model. Only permitted while Stopped.
func (s *Scheduler) DeleteModel(ctx context.Context, id string) error {
	var outErr error
	err := s.doModel(ctx, id, func() error {
		if err := s.reg.Delete(id); err != nil {
			return err
		}
		return s.repo.DeleteConfig(s.baseCtx, id)
	})
	if err != nil {
		return err
	}
	return outErr
}

// StartModel enqueues a model for admission. Operator-issued, so it clears
// retry bookkeeping: a model that exhausted its retries starts fresh.
func (s *Scheduler) StartModel(ctx context.Context, id string) error {
	return s.doModel(ctx, id, func() error { return s.startLocked(id) })
}

// StopModel stops a model. Stopping an already-Stopped model is a no-op
// success with no decision entry.
func (s *Scheduler) StopModel(ctx context.Context, id string) error {
	return s.doModel(ctx, id, func() error { return s.stopLocked(id) })
}

// RestartModel stops the model and enqueues it again once teardown
// completes, under the same per-model serialization as any other command.
func (s *Scheduler) RestartModel(ctx context.Context, id string) error {
	return s.doModel(ctx, id, func() error {
		if err := s.stopLocked(id); err != nil {
			return err
		}
		s.runOrDefer(id, func() { _ = s.startLocked(id) })
		return nil
	})
}

// Prioritize moves a queued model to the front of its priority class.
func (s *Scheduler) Prioritize(ctx context.Context, id string) error {
	return s.doModel(ctx, id, func() error {
		st, ok := s.reg.State(id)
		if !ok {
			return registry.ErrNotFound(id)
		}
		it, queued := s.queue.get(id)
		if !queued {
			return registry.ErrInvalidState(id, st.Status, "prioritize")
		}
		it.seq = s.frontOfClassSeq()
		s.queue.fix(it)
		s.admitPass()
		return nil
	})
}

// CancelSchedule withdraws a queued model back to Stopped.
func (s *Scheduler) CancelSchedule(ctx context.Context, id string) error {
	return s.doModel(ctx, id, func() error {
		st, ok := s.reg.MutState(id)
		if !ok {
			return registry.ErrNotFound(id)
		}
		switch st.Status {
		case types.StatusStopped:
			return nil
		case types.StatusQueued:
			s.queue.remove(id)
			st.Status = types.StatusStopped
			st.NextRetryAt = nil
			s.publishStatus(*st)
			return nil
		default:
			return registry.ErrInvalidState(id, st.Status, "cancel schedule")
		}
	})
}

// ManualSchedule enqueues a model with operator overrides: an optional
// priority for this admission only, a force flag that authorizes
// oversubscription, and an explicit allow_preemption flag.
func (s *Scheduler) ManualSchedule(ctx context.Context, id string, priority int, force, allowPreemption bool) error {
	return s.doModel(ctx, id, func() error {
		cfg, ok := s.reg.Config(id)
		if !ok {
			return registry.ErrNotFound(id)
		}
		if priority == 0 {
			priority = cfg.Priority
		}
		if priority < types.PriorityMin || priority > types.PriorityMax {
			return registry.ErrValidation("priority out of range")
		}
		st, _ := s.reg.MutState(id)
		switch st.Status {
		case types.StatusStopped, types.StatusError, types.StatusQueued:
		default:
			return registry.ErrInvalidState(id, st.Status, "schedule")
		}
		st.RetryCount = 0
		st.ConsecutiveFailures = 0
		st.ErrorMessage = ""
		st.NextRetryAt = nil
		s.enqueue(st, priority, force, allowPreemption)
		s.admitPass()
		return nil
	})
}

// startLocked performs the Stopped/Error -> Queued transition. Loop only.
func (s *Scheduler) startLocked(id string) error {
	cfg, ok := s.reg.Config(id)
	if !ok {
		return registry.ErrNotFound(id)
	}
	st, _ := s.reg.MutState(id)
	switch st.Status {
	case types.StatusQueued, types.StatusStarting, types.StatusRunning, types.StatusPreempted:
		return nil
	case types.StatusStopping:
		return registry.ErrInvalidState(id, st.Status, "start")
	}
	// Manual start clears retry history.
	st.RetryCount = 0
	st.ConsecutiveFailures = 0
	st.ErrorMessage = ""
	st.NextRetryAt = nil
	s.enqueue(st, cfg.Priority, false, !s.cfg.DisablePreemption)
	s.admitPass()
	return nil
}

// stopLocked performs the stop transition appropriate for the current
// status. Loop only.
func (s *Scheduler) stopLocked(id string) error {
	st, ok := s.reg.MutState(id)
	if !ok {
		return registry.ErrNotFound(id)
	}
	switch st.Status {
	case types.StatusStopped, types.StatusStopping:
		return nil
	case types.StatusQueued:
		s.queue.remove(id)
		st.Status = types.StatusStopped
		s.publishStatus(*st)
		return nil
	case types.StatusError:
		st.Status = types.StatusStopped
		st.NextRetryAt = nil
		s.publishStatus(*st)
		return nil
	default: // Starting, Running
		s.beginStop(id, outcomeStopped)
		return nil
	}
}

// enqueue places a model into the admission queue as Queued.
func (s *Scheduler) enqueue(st *types.ModelRuntimeState, priority int, force, allowPreemption bool) {
	st.Status = types.StatusQueued
	st.EnqueuedAt = time.Now()
	s.queue.add(&queueItem{
		modelID:         st.ModelID,
		priority:        priority,
		seq:             s.nextSeq(),
		force:           force,
		allowPreemption: allowPreemption,
	})
	s.publishStatus(*st)
}

func (s *Scheduler) publishStatus(st types.ModelRuntimeState) {
	fields := map[string]any{"status": string(st.Status)}
	if st.ErrorMessage != "" {
		fields["error_message"] = st.ErrorMessage
	}
	s.pub.Publish(Event{Name: EventModelStatusChanged, ModelID: st.ModelID, Fields: fields})
	s.log.Info().Str("model_id", st.ModelID).Str("status", string(st.Status)).
		Str("error", st.ErrorMessage).Msg("model status changed")
}
