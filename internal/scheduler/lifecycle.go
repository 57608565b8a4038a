package scheduler

import (
	"context"
	"fmt"
	"time"

	"gpumux/internal/adapter"
	"gpumux/pkg/types"
)

// stopOutcome selects the state a model lands in once an async adapter stop
// completes.
type stopOutcome int

const (
	// regular StopModel: land in Stopped
	outcomeStopped stopOutcome = iota
	// preemption: re-enter the admission queue at original priority
	outcomeRequeue
	// backend teardown after an error; status was already set
	outcomeCleanup
)

// admit transitions a queued candidate to Starting on the chosen devices and
// launches the backend asynchronously. Loop only; reservation is already
// held.
func (s *Scheduler) admit(it *queueItem, cfg types.ModelConfig, st *types.ModelRuntimeState, devices []string, reason string) {
	s.queue.remove(it.modelID)
	st.Status = types.StatusStarting
	st.AssignedDevices = append([]string(nil), devices...)
	st.StartedAt = time.Now()
	st.ErrorMessage = ""
	s.recordDecision(types.ActionScheduled, cfg.ID, devices, reason)
	s.publishStatus(*st)

	ad, ok := s.adapters.For(cfg.Framework)
	if !ok {
		// Cannot happen for validated configs; fail through the normal path.
		s.onStartResult(cfg.ID, nil, fmt.Errorf("no adapter for framework %q", cfg.Framework))
		return
	}
	s.opInFlight[cfg.ID] = true
	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StartTimeout)
		defer cancel()
		h, err := ad.Start(ctx, cfg, devices)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.post(func() { s.onStartResult(cfg.ID, h, err) })
	}()
}

// onStartResult finishes the Queued->Starting handoff. Loop only.
func (s *Scheduler) onStartResult(id string, h *adapter.Handle, err error) {
	defer s.admitPass()
	st, ok := s.reg.MutState(id)
	if !ok {
		s.opDone(id)
		return
	}
	cfg, _ := s.reg.Config(id)
	if err != nil {
		s.inv.Release(id)
		st.AssignedDevices = nil
		msg := fmt.Sprintf("backend start failed: %v", err)
		s.recordDecision(types.ActionFailed, id, nil, msg)
		s.enterError(st, cfg, msg)
		s.opDone(id)
		return
	}
	s.handles[id] = h
	if !cfg.HealthCheck.Enabled {
		s.toRunning(st)
		s.opDone(id)
		return
	}
	// Stay Starting until the first probe confirms readiness.
	s.opDone(id)
	s.dispatchProbe(id, cfg, h)
}

// toRunning completes Starting->Running. Loop only.
func (s *Scheduler) toRunning(st *types.ModelRuntimeState) {
	st.Status = types.StatusRunning
	st.StartedAt = time.Now()
	s.runningSince[st.ModelID] = st.StartedAt
	if st.RetryCount > 0 {
		s.recordDecision(types.ActionRecovered, st.ModelID, st.AssignedDevices,
			fmt.Sprintf("running again after %d retry attempt(s)", st.RetryCount))
	}
	s.publishStatus(*st)
}

// beginStop transitions Starting/Running -> Stopping and tears the backend
// down asynchronously. The reservation is held until teardown confirms.
func (s *Scheduler) beginStop(id string, outcome stopOutcome) {
	st, ok := s.reg.MutState(id)
	if !ok {
		return
	}
	st.Status = types.StatusStopping
	s.publishStatus(*st)
	s.asyncStop(id, outcome)
}

// preempt reclaims a running victim's devices for a higher-priority
// candidate. The reservation is released immediately so the candidate can
// take it; backend teardown proceeds in the background and the victim
// re-enters the queue at its original priority once teardown completes.
func (s *Scheduler) preempt(victimID, byID string) {
	st, ok := s.reg.MutState(victimID)
	if !ok {
		return
	}
	devices := st.AssignedDevices
	s.inv.Release(victimID)
	st.Status = types.StatusPreempted
	st.AssignedDevices = nil
	delete(s.runningSince, victimID)
	s.recordDecision(types.ActionPreempted, victimID, devices,
		fmt.Sprintf("preempted by higher-priority model %s", byID))
	s.markCooldown(byID, victimID)
	s.publishStatus(*st)
	s.asyncStop(victimID, outcomeRequeue)
}

// asyncStop runs Adapter.Stop on a worker with a timeout. On timeout the
// stop is abandoned and state still advances: the model must not hang in
// Stopping forever.
func (s *Scheduler) asyncStop(id string, outcome stopOutcome) {
	h := s.handles[id]
	var ad adapter.Adapter
	if cfg, ok := s.reg.Config(id); ok {
		ad, _ = s.adapters.For(cfg.Framework)
	}
	s.opInFlight[id] = true
	go func() {
		var err error
		if ad != nil && h != nil {
			ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StopTimeout)
			defer cancel()
			err = ad.Stop(ctx, h)
		}
		s.post(func() { s.onStopResult(id, outcome, err) })
	}()
}

// onStopResult finalizes a teardown. Loop only.
func (s *Scheduler) onStopResult(id string, outcome stopOutcome, err error) {
	defer s.admitPass()
	s.inv.Release(id)
	delete(s.handles, id)
	delete(s.runningSince, id)
	delete(s.probeInFlight, id)
	delete(s.lastProbeAt, id)

	if err != nil {
		s.log.Warn().Str("model_id", id).Err(err).Msg("backend stop failed; devices released anyway")
		s.pub.Publish(Event{Name: EventSystemAlert, ModelID: id, Fields: map[string]any{
			"severity": "warning",
			"message":  fmt.Sprintf("backend stop failed: %v", err),
		}})
	}

	st, ok := s.reg.MutState(id)
	if !ok {
		s.opDone(id)
		return
	}
	switch outcome {
	case outcomeStopped:
		st.Status = types.StatusStopped
		st.AssignedDevices = nil
		s.publishStatus(*st)
	case outcomeRequeue:
		cfg, ok := s.reg.Config(id)
		if !ok {
			st.Status = types.StatusStopped
			break
		}
		// Re-admission at original priority: preemption never penalizes.
		s.enqueue(st, cfg.Priority, false, !s.cfg.DisablePreemption)
	case outcomeCleanup:
		// Status (Error or Stopped) was decided when the failure was seen.
	}
	s.opDone(id)
}

// failToError moves a Starting/Running model into Error: devices are
// released, the backend is torn down in the background, and backoff decides
// what happens next.
func (s *Scheduler) failToError(st *types.ModelRuntimeState, cfg types.ModelConfig, msg string) {
	s.inv.Release(st.ModelID)
	st.AssignedDevices = nil
	delete(s.runningSince, st.ModelID)
	s.recordDecision(types.ActionFailed, st.ModelID, nil, msg)
	s.enterError(st, cfg, msg)
	if _, ok := s.handles[st.ModelID]; ok {
		s.asyncStop(st.ModelID, outcomeCleanup)
	}
}

// markCooldown notes that preemptor displaced victim, blocking the same
// pairing for the cooldown window.
func (s *Scheduler) markCooldown(preemptor, victim string) {
	m := s.cooldown[preemptor]
	if m == nil {
		m = make(map[string]time.Time)
		s.cooldown[preemptor] = m
	}
	m[victim] = time.Now().Add(s.cfg.PreemptionCooldown)
}

// pruneCooldowns drops expired pairings.
func (s *Scheduler) pruneCooldowns(now time.Time) {
	for p, m := range s.cooldown {
		for v, until := range m {
			if now.After(until) {
				delete(m, v)
			}
		}
		if len(m) == 0 {
			delete(s.cooldown, p)
		}
	}
}
