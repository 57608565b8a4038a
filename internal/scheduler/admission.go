package scheduler

import (
	"fmt"
	"sort"
	"time"

	"gpumux/pkg/types"
)

// admitPass walks the queue best-first and admits every candidate it can
// place. Lower-priority candidates are still tried when a higher one stays
// blocked: any capacity they take could not have served the blocked one this
// pass, and preemption reclaims it later if needed.
func (s *Scheduler) admitPass() {
	for _, it := range s.queue.ordered() {
		s.attemptAdmit(it)
	}
}

// attemptAdmit runs the admission algorithm for one candidate. Returns true
// when the model left the queue.
func (s *Scheduler) attemptAdmit(it *queueItem) bool {
	cfg, ok := s.reg.Config(it.modelID)
	if !ok {
		s.queue.remove(it.modelID)
		return true
	}
	st, _ := s.reg.MutState(it.modelID)
	if st.Status != types.StatusQueued {
		s.queue.remove(it.modelID)
		return true
	}

	eligible := s.eligibleDevices(cfg)
	need := cfg.Resources.GPUCount
	memMB := cfg.Resources.GPUMemoryMB

	if it.force {
		chosen := s.pickMostFree(eligible, need)
		if len(chosen) < need || !s.inv.ForceReserve(chosen, memMB, cfg.ID) {
			s.recordQueueFailure(it, st, "no eligible devices for forced placement")
			return false
		}
		s.admit(it, cfg, st, chosen, types.ReasonForcedByOperator)
		return true
	}

	if chosen := s.pickDevices(eligible, need, memMB); chosen != nil {
		if s.inv.TryReserve(chosen, memMB, cfg.ID) {
			s.admit(it, cfg, st, chosen, "admitted")
			return true
		}
	}

	if it.allowPreemption {
		victims, chosen, cooldownBlocked := s.planPreemption(cfg, it.priority, eligible, need, memMB)
		if len(victims) > 0 {
			for _, v := range victims {
				s.preempt(v, cfg.ID)
			}
			if s.inv.TryReserve(chosen, memMB, cfg.ID) {
				s.admit(it, cfg, st, chosen, fmt.Sprintf("admitted after preempting %d model(s)", len(victims)))
				return true
			}
			// Freed capacity vanished between plan and reserve; stay queued.
			s.recordQueueFailure(it, st, types.ReasonResourceUnavailable)
			return false
		}
		if cooldownBlocked {
			s.recordQueueFailure(it, st, types.ReasonPreemptionCooldown)
			return false
		}
	}

	s.recordQueueFailure(it, st, types.ReasonResourceUnavailable)
	return false
}

// eligibleDevices returns the candidate's pinned set, or every known device.
func (s *Scheduler) eligibleDevices(cfg types.ModelConfig) []string {
	if len(cfg.GPUDevices) > 0 {
		return append([]string(nil), cfg.GPUDevices...)
	}
	devs := s.inv.List()
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.DeviceID)
	}
	return out
}

// pickDevices selects need devices from eligible that each have memMB free,
// most-free first. Returns nil when not enough devices qualify.
func (s *Scheduler) pickDevices(eligible []string, need int, memMB int64) []string {
	type cand struct {
		id   string
		free int64
	}
	var cands []cand
	for _, id := range eligible {
		if free := s.inv.FreeMB(id); free >= memMB {
			cands = append(cands, cand{id: id, free: free})
		}
	}
	if len(cands) < need {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].free != cands[j].free {
			return cands[i].free > cands[j].free
		}
		return cands[i].id < cands[j].id
	})
	out := make([]string, need)
	for i := 0; i < need; i++ {
		out[i] = cands[i].id
	}
	return out
}

// pickMostFree selects need devices by free memory without a capacity
// check. Used for forced placements, which may oversubscribe.
func (s *Scheduler) pickMostFree(eligible []string, need int) []string {
	if len(eligible) < need {
		return nil
	}
	out := append([]string(nil), eligible...)
	sort.Slice(out, func(i, j int) bool {
		fi, fj := s.inv.FreeMB(out[i]), s.inv.FreeMB(out[j])
		if fi != fj {
			return fi > fj
		}
		return out[i] < out[j]
	})
	return out[:need]
}

// planPreemption finds the minimal set of strictly-lower-priority running
// models on eligible devices whose release satisfies the candidate. Victims
// are taken worst-first: lowest priority, then youngest. Returns the victim
// ids, the devices to reserve afterwards, and whether only the preemption
// cooldown stood in the way.
func (s *Scheduler) planPreemption(cfg types.ModelConfig, priority int, eligible []string, need int, memMB int64) (victims []string, chosen []string, cooldownBlocked bool) {
	elig := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		elig[id] = true
	}

	type victim struct {
		id       string
		priority int
		started  time.Time
		// Per-device MB the victim actually holds in the inventory. A
		// config update while Running changes the config, not the
		// reservation, so the plan must count what is really held.
		held map[string]int64
	}
	var all []victim
	var sawCooldown bool
	now := time.Now()
	for _, st := range s.reg.States() {
		if st.Status != types.StatusRunning || st.Priority >= priority {
			continue
		}
		held := make(map[string]int64, len(st.AssignedDevices))
		onEligible := false
		for _, d := range st.AssignedDevices {
			mb := s.inv.Reservations(d)[st.ModelID]
			if mb <= 0 {
				continue
			}
			held[d] = mb
			if elig[d] {
				onEligible = true
			}
		}
		if !onEligible {
			continue
		}
		if until, ok := s.cooldown[cfg.ID][st.ModelID]; ok && now.Before(until) {
			sawCooldown = true
			continue
		}
		all = append(all, victim{
			id:       st.ModelID,
			priority: st.Priority,
			started:  st.StartedAt,
			held:     held,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		return all[i].started.After(all[j].started)
	})

	// Simulate frees greedily until the requirement fits.
	free := make(map[string]int64)
	for _, id := range eligible {
		free[id] = s.inv.FreeMB(id)
	}
	satisfied := func() []string {
		type cand struct {
			id   string
			free int64
		}
		var cands []cand
		for _, id := range eligible {
			if free[id] >= memMB {
				cands = append(cands, cand{id: id, free: free[id]})
			}
		}
		if len(cands) < need {
			return nil
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].free != cands[j].free {
				return cands[i].free > cands[j].free
			}
			return cands[i].id < cands[j].id
		})
		out := make([]string, need)
		for i := range out {
			out[i] = cands[i].id
		}
		return out
	}

	for _, v := range all {
		victims = append(victims, v.id)
		for d, mb := range v.held {
			if elig[d] {
				free[d] += mb
			}
		}
		if chosen = satisfied(); chosen != nil {
			return victims, chosen, false
		}
	}
	return nil, nil, sawCooldown
}

// recordQueueFailure logs a Failed decision once per distinct reason while
// the model waits, so a blocked model does not flood the audit trail every
// tick.
func (s *Scheduler) recordQueueFailure(it *queueItem, st *types.ModelRuntimeState, reason string) {
	if it.failReason == reason {
		return
	}
	it.failReason = reason
	s.recordDecision(types.ActionFailed, st.ModelID, nil, reason)
}
