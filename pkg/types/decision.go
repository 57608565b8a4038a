package types

import "time"

// DecisionAction classifies a scheduling decision.
type DecisionAction string

const (
	ActionScheduled DecisionAction = "scheduled"
	ActionPreempted DecisionAction = "preempted"
	ActionFailed    DecisionAction = "failed"
	ActionRecovered DecisionAction = "recovered"
)

// SchedulingDecision is one entry of the append-only audit trail.
type SchedulingDecision struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ModelID   string         `json:"model_id"`
	Action    DecisionAction `json:"action"`
	Devices   []string       `json:"devices,omitempty"`
	Reason    string         `json:"reason"`
}

// Well-known decision reasons.
const (
	ReasonResourceUnavailable = "ResourceUnavailable"
	ReasonForcedByOperator    = "ForcedByOperator"
	ReasonPreemptionCooldown  = "PreemptionCooldown"
)
