package scheduler

import "github.com/rs/zerolog"

// Event is a scheduler lifecycle event relayed to dashboards/telemetry.
// Minimal and stable: name + model id plus optional fields.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Well-known event names.
const (
	EventModelStatusChanged = "model_status_changed"
	EventGPUMetricsUpdated  = "gpu_metrics_updated"
	EventDecisionRecorded   = "scheduling_decision"
	EventSystemAlert        = "system_alert"
)

// EventPublisher receives events from the scheduler. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Info().Str("event", e.Name)
	if e.ModelID != "" {
		ev = ev.Str("model_id", e.ModelID)
	}
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("scheduler event")
}
