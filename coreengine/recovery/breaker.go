package recovery

import (
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// BreakerState is the state of one worker's circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

func (s BreakerState) gauge() float64 {
	switch s {
	case BreakerOpen:
		return 2
	case BreakerHalfOpen:
		return 1
	}
	return 0
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Window      time.Duration
	FailureRate float64
	MinSamples  int
	Cooldown    time.Duration
}

// BreakerConfigFromCore reads breaker settings from core configuration.
func BreakerConfigFromCore(cfg *config.CoreConfig) BreakerConfig {
	return BreakerConfig{
		Window:      cfg.BreakerWindow(),
		FailureRate: cfg.BreakerFailureRate,
		MinSamples:  cfg.BreakerMinSamples,
		Cooldown:    cfg.BreakerCooldown(),
	}
}

// =============================================================================
// Outcome Window
// =============================================================================

type outcomeBucket struct {
	successes int
	failures  int
}

// outcomeWindow counts successes and failures over a sliding time window
// split into ten sub-buckets.
type outcomeWindow struct {
	window      time.Duration
	bucketCount int
	buckets     map[int64]*outcomeBucket
}

func newOutcomeWindow(window time.Duration) *outcomeWindow {
	return &outcomeWindow{window: window, bucketCount: 10, buckets: make(map[int64]*outcomeBucket)}
}

func (w *outcomeWindow) bucketOf(now time.Time) int64 {
	size := w.window.Nanoseconds() / int64(w.bucketCount)
	if size <= 0 {
		size = 1
	}
	return now.UnixNano() / size
}

func (w *outcomeWindow) record(now time.Time, success bool) {
	current := w.bucketOf(now)
	w.prune(current)
	b, ok := w.buckets[current]
	if !ok {
		b = &outcomeBucket{}
		w.buckets[current] = b
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

func (w *outcomeWindow) prune(current int64) {
	minBucket := current - int64(w.bucketCount) + 1
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
}

func (w *outcomeWindow) counts(now time.Time) (successes, failures int) {
	current := w.bucketOf(now)
	minBucket := current - int64(w.bucketCount) + 1
	for b, c := range w.buckets {
		if b >= minBucket {
			successes += c.successes
			failures += c.failures
		}
	}
	return successes, failures
}

func (w *outcomeWindow) reset() {
	w.buckets = make(map[int64]*outcomeBucket)
}

// =============================================================================
// Circuit Breaker
// =============================================================================

type workerCircuit struct {
	state    BreakerState
	openedAt time.Time
	probing  bool
	outcomes *outcomeWindow
}

// CircuitBreaker tracks each worker's failure rate. When the rate over the
// window exceeds the threshold (with at least MinSamples outcomes), the
// circuit opens and Allow fails fast until the cool-down elapses. Then a
// single half-open probe decides whether it closes or reopens.
type CircuitBreaker struct {
	cfg      BreakerConfig
	logger   observability.Logger
	now      func() time.Time
	circuits map[string]*workerCircuit
	mu       sync.Mutex
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg BreakerConfig, logger observability.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		logger:   observability.OrNop(logger),
		now:      time.Now,
		circuits: make(map[string]*workerCircuit),
	}
}

// SetClock replaces the time source.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *CircuitBreaker) circuit(worker string) *workerCircuit {
	c, ok := b.circuits[worker]
	if !ok {
		c = &workerCircuit{state: BreakerClosed, outcomes: newOutcomeWindow(b.cfg.Window)}
		b.circuits[worker] = c
	}
	return c
}

func (b *CircuitBreaker) transition(worker string, c *workerCircuit, to BreakerState) {
	if c.state == to {
		return
	}
	b.logger.Info("circuit_state_changed", "worker", worker, "from", string(c.state), "to", string(to))
	c.state = to
	observability.SetCircuitState(worker, to.gauge())
}

// Allow reports whether a task may be dispatched to worker. It returns a
// WorkerError wrapping ErrCircuitOpen while the circuit is open or a
// half-open probe is already in flight.
func (b *CircuitBreaker) Allow(worker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(worker)
	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.cfg.Cooldown {
			return NewWorkerError(ClassTransient, worker, ErrCircuitOpen)
		}
		b.transition(worker, c, BreakerHalfOpen)
		c.probing = true
		return nil
	case BreakerHalfOpen:
		if c.probing {
			return NewWorkerError(ClassTransient, worker, ErrCircuitOpen)
		}
		c.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of a task dispatched to worker.
func (b *CircuitBreaker) Record(worker string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(worker)
	now := b.now()

	if c.state == BreakerHalfOpen {
		c.probing = false
		if success {
			c.outcomes.reset()
			b.transition(worker, c, BreakerClosed)
		} else {
			c.openedAt = now
			b.transition(worker, c, BreakerOpen)
		}
		return
	}

	c.outcomes.record(now, success)
	if success || c.state == BreakerOpen {
		return
	}

	successes, failures := c.outcomes.counts(now)
	total := successes + failures
	if total < b.cfg.MinSamples || total == 0 {
		return
	}
	if float64(failures)/float64(total) > b.cfg.FailureRate {
		c.openedAt = now
		b.transition(worker, c, BreakerOpen)
	}
}

// Release gives back an admission whose task ended without saying anything
// about the worker, such as a cancelled or revised attempt. A half-open
// circuit then admits the next probe.
func (b *CircuitBreaker) Release(worker string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[worker]; ok && c.state == BreakerHalfOpen {
		c.probing = false
	}
}

// State returns worker's current state.
func (b *CircuitBreaker) State(worker string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[worker]
	if !ok {
		return BreakerClosed
	}
	return c.state
}

// States returns the state of every tracked worker.
func (b *CircuitBreaker) States() map[string]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerState, len(b.circuits))
	for w, c := range b.circuits {
		out[w] = c.state
	}
	return out
}

// Reset closes worker's circuit, or every circuit when worker is empty.
func (b *CircuitBreaker) Reset(worker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if worker == "" {
		for w := range b.circuits {
			observability.SetCircuitState(w, 0)
		}
		b.circuits = make(map[string]*workerCircuit)
		return
	}
	delete(b.circuits, worker)
	observability.SetCircuitState(worker, 0)
}
