package scheduler

import (
	"math"
	"time"

	"gpumux/pkg/types"
)

// backoffDelay computes the re-admission delay for the given retry attempt
// (0-indexed count of prior attempts):
//
//	delay = min(initial * factor^attempt, max)
func backoffDelay(p types.RetryPolicy, attempt int) time.Duration {
	secs := float64(p.InitialDelayS) * math.Pow(p.BackoffFactor, float64(attempt))
	if maxSecs := float64(p.MaxDelayS); secs > maxSecs {
		secs = maxSecs
	}
	return time.Duration(secs * float64(time.Second))
}

// enterError moves a model into Error and schedules (or exhausts) its
// retry. Loop only; the caller has already released devices.
func (s *Scheduler) enterError(st *types.ModelRuntimeState, cfg types.ModelConfig, msg string) {
	st.ErrorMessage = msg
	delay := backoffDelay(cfg.Retry, st.RetryCount)
	st.RetryCount++
	if st.RetryCount > cfg.Retry.MaxAttempts {
		// Terminal: only an explicit StartModel clears this.
		st.Status = types.StatusStopped
		st.ErrorMessage = "retries exhausted"
		st.NextRetryAt = nil
		s.pub.Publish(Event{Name: EventSystemAlert, ModelID: st.ModelID, Fields: map[string]any{
			"severity": "error",
			"message":  "retries exhausted after " + msg,
		}})
		s.publishStatus(*st)
		return
	}
	st.Status = types.StatusError
	at := time.Now().Add(delay)
	st.NextRetryAt = &at
	s.publishStatus(*st)
}

// retrySweep re-admits Error models whose backoff delay has elapsed.
func (s *Scheduler) retrySweep(now time.Time) {
	for _, snap := range s.reg.States() {
		if snap.Status != types.StatusError || snap.NextRetryAt == nil {
			continue
		}
		if now.Before(*snap.NextRetryAt) {
			continue
		}
		if s.opInFlight[snap.ModelID] {
			continue
		}
		cfg, ok := s.reg.Config(snap.ModelID)
		if !ok {
			continue
		}
		st, _ := s.reg.MutState(snap.ModelID)
		st.NextRetryAt = nil
		s.enqueue(st, cfg.Priority, false, !s.cfg.DisablePreemption)
	}
}
