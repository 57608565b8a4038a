package inventory

import "context"

// Provider supplies device telemetry. The real implementation would wrap a
// driver or exporter; the scheduler only depends on this interface.
type Provider interface {
	Devices(ctx context.Context) ([]DeviceSample, error)
}

// StaticProvider serves a fixed device table, typically read from the config
// file. Utilization and temperature stay at their configured values.
type StaticProvider struct {
	samples []DeviceSample
}

func NewStaticProvider(samples []DeviceSample) *StaticProvider {
	return &StaticProvider{samples: samples}
}

func (p *StaticProvider) Devices(_ context.Context) ([]DeviceSample, error) {
	out := make([]DeviceSample, len(p.samples))
	copy(out, p.samples)
	return out, nil
}
