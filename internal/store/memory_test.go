package store

import (
	"context"
	"testing"
	"time"

	"gpumux/pkg/types"
)

func TestMemoryImplementsRepository(t *testing.T) {
	var _ Repository = NewMemory()
}

func TestMemoryQueryDecisions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, d := range []types.SchedulingDecision{
		{ID: "d1", ModelID: "m1", Action: types.ActionScheduled, Timestamp: base},
		{ID: "d2", ModelID: "m2", Action: types.ActionFailed, Timestamp: base.Add(time.Minute)},
		{ID: "d3", ModelID: "m1", Action: types.ActionPreempted, Timestamp: base.Add(2 * time.Minute)},
	} {
		if err := m.AppendDecision(ctx, d); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, _ := m.QueryDecisions(ctx, DecisionFilter{})
	if len(all) != 3 || all[0].ID != "d3" {
		t.Fatalf("all = %+v, want newest first", all)
	}

	byModel, _ := m.QueryDecisions(ctx, DecisionFilter{ModelID: "m1"})
	if len(byModel) != 2 || byModel[0].ID != "d3" || byModel[1].ID != "d1" {
		t.Fatalf("model filter = %+v", byModel)
	}

	since, _ := m.QueryDecisions(ctx, DecisionFilter{Since: base.Add(30 * time.Second)})
	if len(since) != 2 {
		t.Fatalf("since filter = %+v", since)
	}

	limited, _ := m.QueryDecisions(ctx, DecisionFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "d3" {
		t.Fatalf("limit filter = %+v", limited)
	}
}

func TestMemoryConfigLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	cfg := types.ModelConfig{ID: "a", Priority: 5}
	if err := m.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.Priority = 7
	if err := m.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("resave: %v", err)
	}
	out, _ := m.LoadAllConfigs(ctx)
	if len(out) != 1 || out[0].Priority != 7 {
		t.Fatalf("configs = %+v", out)
	}
	if err := m.DeleteConfig(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out, _ = m.LoadAllConfigs(ctx)
	if len(out) != 0 {
		t.Fatalf("configs after delete = %+v", out)
	}
}
