package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gpumux/pkg/types"
)

func healthCfg(id string, priority int, memMB int64) types.ModelConfig {
	cfg := modelCfg(id, priority, memMB)
	cfg.HealthCheck = types.HealthCheckPolicy{Enabled: true, IntervalS: 1, TimeoutS: 1, MaxFailures: 3}
	cfg.Retry = types.RetryPolicy{MaxAttempts: 3, InitialDelayS: 60, MaxDelayS: 300, BackoffFactor: 2}
	return cfg
}

// forceProbeDue rewinds the last-probe timestamp so the next sweep probes
// immediately.
func (e *testEnv) forceProbeDue(id string) {
	e.onLoop(func() {
		e.sched.lastProbeAt[id] = time.Now().Add(-time.Hour)
	})
}

func TestFirstProbeGatesRunning(t *testing.T) {
	env := newTestEnv(t, Config{})
	var healthy atomic.Bool
	healthy.Store(true)
	env.fake.Healthy = func(string) bool { return healthy.Load() }
	env.create(healthCfg("m1", 5, 4096))

	env.start("m1")
	env.waitStatus("m1", types.StatusRunning)

	st := env.state("m1")
	if st.LastHealthCheckAt == nil {
		t.Fatal("last health check unset after readiness probe")
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestFirstProbeFailureEntersError(t *testing.T) {
	env := newTestEnv(t, Config{})
	var healthy atomic.Bool
	env.fake.Healthy = func(string) bool { return healthy.Load() }
	env.create(healthCfg("m1", 5, 4096))

	env.start("m1")
	env.waitStatus("m1", types.StatusError)

	st := env.state("m1")
	if st.ErrorMessage != "first health probe failed" {
		t.Fatalf("error message = %q", st.ErrorMessage)
	}
	if st.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", st.RetryCount)
	}
	var free int64
	env.onLoop(func() { free = env.inv.FreeMB("GPU-0") })
	if free != 8192 {
		t.Fatalf("free = %d, want full device back", free)
	}
}

func TestConsecutiveProbeFailuresEvict(t *testing.T) {
	env := newTestEnv(t, Config{})
	var healthy atomic.Bool
	healthy.Store(true)
	env.fake.Healthy = func(string) bool { return healthy.Load() }
	env.create(healthCfg("m1", 5, 4096))

	env.start("m1")
	env.waitStatus("m1", types.StatusRunning)

	healthy.Store(false)
	for want := 1; want <= 2; want++ {
		env.forceProbeDue("m1")
		env.waitFor("probe failure", func() bool {
			return env.state("m1").ConsecutiveFailures == want
		})
		if got := env.state("m1").Status; got != types.StatusRunning {
			t.Fatalf("status after %d failures = %s, want running", want, got)
		}
	}

	// Third strike.
	env.forceProbeDue("m1")
	env.waitStatus("m1", types.StatusError)
	st := env.state("m1")
	if st.ErrorMessage != "health check failed 3 times" {
		t.Fatalf("error message = %q", st.ErrorMessage)
	}
	if got := env.decisionCount(types.ActionFailed, "m1"); got != 1 {
		t.Fatalf("failed decisions = %d, want 1", got)
	}
	var free int64
	env.onLoop(func() { free = env.inv.FreeMB("GPU-0") })
	if free != 8192 {
		t.Fatalf("free = %d, want full device back", free)
	}
}

func TestProbeSuccessResetsFailureStreak(t *testing.T) {
	env := newTestEnv(t, Config{})
	var healthy atomic.Bool
	healthy.Store(true)
	env.fake.Healthy = func(string) bool { return healthy.Load() }
	env.create(healthCfg("m1", 5, 4096))

	env.start("m1")
	env.waitStatus("m1", types.StatusRunning)

	healthy.Store(false)
	env.forceProbeDue("m1")
	env.waitFor("one failure", func() bool { return env.state("m1").ConsecutiveFailures == 1 })

	healthy.Store(true)
	env.forceProbeDue("m1")
	env.waitFor("streak reset", func() bool { return env.state("m1").ConsecutiveFailures == 0 })
	if got := env.state("m1").Status; got != types.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestRetryCountResetsAfterSustainedHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	var healthy atomic.Bool
	healthy.Store(true)
	env.fake.Healthy = func(string) bool { return healthy.Load() }

	var failOnce atomic.Bool
	failOnce.Store(true)
	env.fake.StartHook = func(types.ModelConfig, []string) error {
		if failOnce.Swap(false) {
			return errors.New("transient launch failure")
		}
		return nil
	}
	env.create(healthCfg("m1", 5, 4096))

	env.start("m1")
	env.waitStatus("m1", types.StatusError)
	env.forceRetryDue("m1")
	env.waitStatus("m1", types.StatusRunning)
	if got := env.state("m1").RetryCount; got != 1 {
		t.Fatalf("retry count = %d, want 1 right after recovery", got)
	}

	// A probe passing within the first interval does not reset the count.
	env.onLoop(func() { env.sched.runningSince["m1"] = time.Now() })
	env.forceProbeDue("m1")
	time.Sleep(50 * time.Millisecond)
	if got := env.state("m1").RetryCount; got != 1 {
		t.Fatalf("retry count reset too early: %d", got)
	}

	// Once the model has been up for a full interval, the next success
	// clears it.
	env.onLoop(func() { env.sched.runningSince["m1"] = time.Now().Add(-time.Hour) })
	env.forceProbeDue("m1")
	env.waitFor("retry count reset", func() bool { return env.state("m1").RetryCount == 0 })
}
