package scheduler

import (
	"time"

	"github.com/google/uuid"

	"gpumux/pkg/types"
)

// recordDecision appends one entry to the audit trail and fans it out to the
// event publisher, the log and the metrics. Loop only.
func (s *Scheduler) recordDecision(action types.DecisionAction, modelID string, devices []string, reason string) {
	d := types.SchedulingDecision{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		ModelID:   modelID,
		Action:    action,
		Devices:   append([]string(nil), devices...),
		Reason:    reason,
	}
	if err := s.repo.AppendDecision(s.baseCtx, d); err != nil {
		s.log.Error().Err(err).Str("model_id", modelID).Msg("append scheduling decision")
	}
	s.metrics.observeDecision(action)
	s.pub.Publish(Event{Name: EventDecisionRecorded, ModelID: modelID, Fields: map[string]any{
		"action":  string(action),
		"devices": d.Devices,
		"reason":  reason,
	}})
	s.log.Info().Str("model_id", modelID).Str("action", string(action)).
		Strs("devices", d.Devices).Str("reason", reason).Msg("scheduling decision")
}
