package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"gpumux/pkg/types"
)

// Metrics exports the scheduler's operational counters and gauges.
type Metrics struct {
	modelsByStatus *prometheus.GaugeVec
	deviceTotalMB  *prometheus.GaugeVec
	deviceUsedMB   *prometheus.GaugeVec
	decisionsTotal *prometheus.CounterVec
	probeFailures  prometheus.Counter
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		modelsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpumux_models",
			Help: "Number of models per lifecycle status.",
		}, []string{"status"}),
		deviceTotalMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpumux_device_total_memory_mb",
			Help: "Total memory per GPU device in MB.",
		}, []string{"device"}),
		deviceUsedMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpumux_device_reserved_memory_mb",
			Help: "Reserved memory per GPU device in MB.",
		}, []string{"device"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpumux_scheduling_decisions_total",
			Help: "Scheduling decisions by action.",
		}, []string{"action"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpumux_health_probe_failures_total",
			Help: "Failed or timed-out health probes.",
		}),
	}
	reg.MustRegister(m.modelsByStatus, m.deviceTotalMB, m.deviceUsedMB, m.decisionsTotal, m.probeFailures)
	return m
}

func (m *Metrics) observeStates(states []types.ModelRuntimeState) {
	if m == nil {
		return
	}
	counts := map[types.ModelStatus]int{}
	for _, st := range states {
		counts[st.Status]++
	}
	for _, s := range []types.ModelStatus{
		types.StatusStopped, types.StatusQueued, types.StatusStarting,
		types.StatusRunning, types.StatusStopping, types.StatusError, types.StatusPreempted,
	} {
		m.modelsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) observeDevices(devices []types.GPUDevice) {
	if m == nil {
		return
	}
	for _, d := range devices {
		m.deviceTotalMB.WithLabelValues(d.DeviceID).Set(float64(d.TotalMemoryMB))
		m.deviceUsedMB.WithLabelValues(d.DeviceID).Set(float64(d.UsedMemoryMB))
	}
}

func (m *Metrics) observeDecision(action types.DecisionAction) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) observeProbeFailure() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}
