// Package scheduler multiplexes GPU devices among model workloads. It owns
// admission, preemption, lifecycle transitions, health monitoring and
// retry/backoff. All state (inventory, registry, queue) is mutated by a
// single coordination goroutine; external callers and async workers reach it
// only through the command queue.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gpumux/internal/adapter"
	"gpumux/internal/inventory"
	"gpumux/internal/registry"
	"gpumux/internal/store"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultTickInterval       = 2 * time.Second
	defaultPreemptionCooldown = 5 * time.Minute
	defaultProbeWorkers       = 8
	defaultStartTimeout       = 2 * time.Minute
	defaultStopTimeout        = 30 * time.Second
	cmdBuffer                 = 256
)

// Config encapsulates scheduler tunables.
type Config struct {
	TickInterval       time.Duration
	PreemptionCooldown time.Duration
	// DisablePreemption turns preemption off for automatic scheduling.
	// The zero value keeps it on.
	DisablePreemption bool
	ProbeWorkers      int
	StartTimeout      time.Duration
	StopTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PreemptionCooldown <= 0 {
		c.PreemptionCooldown = defaultPreemptionCooldown
	}
	if c.ProbeWorkers <= 0 {
		c.ProbeWorkers = defaultProbeWorkers
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Registry  *registry.Registry
	Inventory *inventory.Inventory
	Repo      store.Repository
	Adapters  *adapter.Registry
	Telemetry inventory.Provider
	Publisher EventPublisher
	Metrics   *Metrics
	Log       zerolog.Logger
}

// Scheduler is the coordination loop plus its loop-owned state.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	reg       *registry.Registry
	inv       *inventory.Inventory
	repo      store.Repository
	adapters  *adapter.Registry
	telemetry inventory.Provider
	pub       EventPublisher
	metrics   *Metrics

	cmdCh  chan func()
	closed chan struct{}

	// Everything below is touched only from the Run goroutine.
	queue        *admissionQueue
	seq          int64
	frontSeq     int64 // decreasing seq pool for Prioritize
	handles      map[string]*adapter.Handle
	opInFlight   map[string]bool
	pending      map[string][]func()
	// preemptor -> victim -> cooldown expiry
	cooldown map[string]map[string]time.Time
	// health monitor bookkeeping
	probeInFlight  map[string]bool
	lastProbeAt    map[string]time.Time
	runningSince   map[string]time.Time
	probeSem       chan struct{}
	telemetryBusy  bool
	baseCtx        context.Context
	baseCancel     context.CancelFunc
}

// New builds a Scheduler. Call Run to start the loop.
func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:           cfg,
		log:           deps.Log,
		reg:           deps.Registry,
		inv:           deps.Inventory,
		repo:          deps.Repo,
		adapters:      deps.Adapters,
		telemetry:     deps.Telemetry,
		pub:           deps.Publisher,
		metrics:       deps.Metrics,
		cmdCh:         make(chan func(), cmdBuffer),
		closed:        make(chan struct{}),
		queue:         newAdmissionQueue(),
		handles:       make(map[string]*adapter.Handle),
		opInFlight:    make(map[string]bool),
		pending:       make(map[string][]func()),
		cooldown:      make(map[string]map[string]time.Time),
		probeInFlight: make(map[string]bool),
		lastProbeAt:   make(map[string]time.Time),
		runningSince:  make(map[string]time.Time),
		probeSem:      make(chan struct{}, cfg.ProbeWorkers),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
	}
}

// Run executes the coordination loop until ctx is canceled. Commands and
// async results interleave with the periodic tick; there is no other writer.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.closed)
	defer s.baseCancel()

	// Prime the inventory before the first command can arrive.
	s.refreshTelemetrySync(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmdCh:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

// do posts fn onto the loop and waits for it to execute.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.cmdCh <- wrapped:
	case <-s.closed:
		return closedError{}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return closedError{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doModel is do with per-model serialization: while an adapter operation is
// in flight for the model, fn is parked and replayed on completion, so
// conflicting Start/Stop/Prioritize requests never race.
func (s *Scheduler) doModel(ctx context.Context, modelID string, fn func() error) error {
	errCh := make(chan error, 1)
	task := func() {
		s.runOrDefer(modelID, func() { errCh <- fn() })
	}
	select {
	case s.cmdCh <- task:
	case <-s.closed:
		return closedError{}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-s.closed:
		return closedError{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an async result onto the loop. Safe to call from workers
// during shutdown.
func (s *Scheduler) post(fn func()) {
	select {
	case s.cmdCh <- fn:
	case <-s.closed:
	}
}

// runOrDefer executes fn now, or parks it until the model's in-flight
// adapter operation completes. Loop goroutine only.
func (s *Scheduler) runOrDefer(modelID string, fn func()) {
	if s.opInFlight[modelID] {
		s.pending[modelID] = append(s.pending[modelID], fn)
		return
	}
	fn()
}

// opDone marks the model's adapter operation finished and replays parked
// commands in arrival order. A replayed command may start a new operation,
// in which case the remainder parks again.
func (s *Scheduler) opDone(modelID string) {
	s.opInFlight[modelID] = false
	queued := s.pending[modelID]
	delete(s.pending, modelID)
	for i, fn := range queued {
		if s.opInFlight[modelID] {
			s.pending[modelID] = append(queued[i:], s.pending[modelID]...)
			return
		}
		fn()
	}
}

// nextSeq returns the next arrival-order sequence number.
func (s *Scheduler) nextSeq() int64 {
	s.seq++
	return s.seq
}

// frontOfClassSeq returns a seq that sorts before every existing entry.
func (s *Scheduler) frontOfClassSeq() int64 {
	s.frontSeq--
	return s.frontSeq
}
