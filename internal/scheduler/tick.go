package scheduler

import (
	"context"
	"time"
)

// tick is the periodic heartbeat of the coordination loop: refresh
// telemetry, re-admit elapsed retries, probe health, attempt admission,
// refresh metrics.
func (s *Scheduler) tick() {
	now := time.Now()
	s.refreshTelemetry()
	s.pruneCooldowns(now)
	s.retrySweep(now)
	s.healthSweep(now)
	s.admitPass()
	s.metrics.observeStates(s.reg.States())
	s.metrics.observeDevices(s.inv.List())
}

// refreshTelemetry polls the provider off-loop and applies samples back on
// the loop. At most one poll is in flight.
func (s *Scheduler) refreshTelemetry() {
	if s.telemetry == nil || s.telemetryBusy {
		return
	}
	s.telemetryBusy = true
	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
		defer cancel()
		samples, err := s.telemetry.Devices(ctx)
		s.post(func() {
			s.telemetryBusy = false
			if err != nil {
				s.log.Warn().Err(err).Msg("telemetry poll failed")
				return
			}
			s.inv.Update(samples)
			s.pub.Publish(Event{Name: EventGPUMetricsUpdated, Fields: map[string]any{
				"devices": len(samples),
			}})
			s.metrics.observeDevices(s.inv.List())
		})
	}()
}

// refreshTelemetrySync primes the inventory before the loop starts handling
// commands. Run goroutine only, before the select loop.
func (s *Scheduler) refreshTelemetrySync(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	samples, err := s.telemetry.Devices(tctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("initial telemetry poll failed")
		return
	}
	s.inv.Update(samples)
	s.metrics.observeDevices(s.inv.List())
}
