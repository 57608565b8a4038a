// Package store is the persistence boundary of the scheduler. The scheduler
// calls only through Repository and is unaware of the storage engine.
package store

import (
	"context"
	"time"

	"gpumux/pkg/types"
)

// DecisionFilter narrows QueryDecisions results. Zero values mean "no
// constraint"; Limit 0 falls back to a backend default.
type DecisionFilter struct {
	ModelID string
	Since   time.Time
	Limit   int
}

// Repository persists model configs and the append-only decision log.
type Repository interface {
	SaveConfig(ctx context.Context, cfg types.ModelConfig) error
	DeleteConfig(ctx context.Context, id string) error
	LoadAllConfigs(ctx context.Context) ([]types.ModelConfig, error)
	AppendDecision(ctx context.Context, d types.SchedulingDecision) error
	QueryDecisions(ctx context.Context, f DecisionFilter) ([]types.SchedulingDecision, error)
	Close() error
}
