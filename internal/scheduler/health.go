package scheduler

import (
	"context"
	"fmt"
	"time"

	"gpumux/internal/adapter"
	"gpumux/pkg/types"
)

// healthSweep dispatches due probes. Probes run concurrently on a bounded
// worker pool, one in flight per model; results come back through the
// command queue so state mutation stays single-writer.
func (s *Scheduler) healthSweep(now time.Time) {
	for _, st := range s.reg.States() {
		if st.Status != types.StatusRunning && st.Status != types.StatusStarting {
			continue
		}
		cfg, ok := s.reg.Config(st.ModelID)
		if !ok || !cfg.HealthCheck.Enabled {
			continue
		}
		if s.probeInFlight[st.ModelID] {
			continue
		}
		h := s.handles[st.ModelID]
		if h == nil {
			continue
		}
		interval := time.Duration(cfg.HealthCheck.IntervalS) * time.Second
		if last, ok := s.lastProbeAt[st.ModelID]; ok && now.Sub(last) < interval {
			continue
		}
		s.dispatchProbe(st.ModelID, cfg, h)
	}
}

// dispatchProbe runs one probe on the worker pool. Loop only.
func (s *Scheduler) dispatchProbe(id string, cfg types.ModelConfig, h *adapter.Handle) {
	st, ok := s.reg.State(id)
	if !ok || (st.Status != types.StatusRunning && st.Status != types.StatusStarting) {
		return
	}
	ad, ok := s.adapters.For(cfg.Framework)
	if !ok {
		return
	}
	s.probeInFlight[id] = true
	s.lastProbeAt[id] = time.Now()
	timeout := time.Duration(cfg.HealthCheck.TimeoutS) * time.Second
	go func() {
		select {
		case s.probeSem <- struct{}{}:
			defer func() { <-s.probeSem }()
		case <-s.baseCtx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, timeout)
		defer cancel()
		healthy := ad.HealthCheck(ctx, h)
		at := time.Now()
		s.post(func() { s.onProbeResult(id, healthy, at) })
	}()
}

// onProbeResult applies one probe outcome. Loop only.
func (s *Scheduler) onProbeResult(id string, healthy bool, at time.Time) {
	delete(s.probeInFlight, id)
	st, ok := s.reg.MutState(id)
	if !ok {
		return
	}
	cfg, ok := s.reg.Config(id)
	if !ok {
		return
	}

	switch st.Status {
	case types.StatusStarting:
		if healthy {
			st.LastHealthCheckAt = &at
			st.ConsecutiveFailures = 0
			s.toRunning(st)
			return
		}
		s.metrics.observeProbeFailure()
		s.failToError(st, cfg, "first health probe failed")

	case types.StatusRunning:
		if healthy {
			st.LastHealthCheckAt = &at
			st.ConsecutiveFailures = 0
			s.maybeResetRetries(st, cfg, at)
			return
		}
		s.metrics.observeProbeFailure()
		st.ConsecutiveFailures++
		s.log.Warn().Str("model_id", id).Int("consecutive_failures", st.ConsecutiveFailures).
			Int("max_failures", cfg.HealthCheck.MaxFailures).Msg("health probe failed")
		if st.ConsecutiveFailures >= cfg.HealthCheck.MaxFailures {
			s.failToError(st, cfg, fmt.Sprintf("health check failed %d times", st.ConsecutiveFailures))
		}
	}
}

// maybeResetRetries clears retry history once a model has stayed Running for
// a full health-check interval and then passed a probe. A model that keeps
// crashing right after start never gets its backoff reset.
func (s *Scheduler) maybeResetRetries(st *types.ModelRuntimeState, cfg types.ModelConfig, at time.Time) {
	if st.RetryCount == 0 {
		return
	}
	since, ok := s.runningSince[st.ModelID]
	if !ok {
		return
	}
	interval := time.Duration(cfg.HealthCheck.IntervalS) * time.Second
	if at.Sub(since) >= interval {
		st.RetryCount = 0
		st.NextRetryAt = nil
	}
}
