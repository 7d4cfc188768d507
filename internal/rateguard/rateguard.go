// Package rateguard paces requests to the remote backend and protects it
// with a rolling-window circuit breaker. The guard is a pure coordinator: it
// owns no I/O. The orchestrator asks it for a ticket before each remote call
// and reports the outcome afterwards for window accounting.
package rateguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrSkip is returned by Acquire while the breaker is open (or a half-open
// probe is already in flight). The caller releases its dispatch slot and
// re-enqueues the work with back-off instead of blocking.
var ErrSkip = errors.New("rateguard: skip dispatch, breaker open")

// Outcome classifies the result of one remote call for window accounting.
type Outcome int

// Outcomes reported via Record.
const (
	OutcomeSuccess Outcome = iota
	OutcomeThrottled
	OutcomeUnavailable
	OutcomeError
)

// BreakerState is the circuit breaker state.
type BreakerState int

// Breaker states.
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Defaults keep small-scale deployments below per-tier limits.
const (
	defaultRequestsPerMinute = 20
	defaultMinInterval       = 3 * time.Second
	defaultWindow            = 60 * time.Second
	defaultErrorRate         = 0.05
	defaultTripThrottles     = 3
	defaultCooldown          = 30 * time.Second

	// openPacingFactor triples the inter-request gap after the breaker
	// trips; the base pace is restored when the breaker closes.
	openPacingFactor = 3

	// minWindowSamples is the floor below which the error-rate rule does
	// not apply, so a single early failure cannot trip the breaker. The
	// consecutive-throttle rule is unaffected.
	minWindowSamples = 10
)

// Config tunes the guard. Zero values take the defaults above.
type Config struct {
	RequestsPerMinute int
	MinInterval       time.Duration
	Window            time.Duration
	ErrorRate         float64
	TripThrottles     int
	Cooldown          time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}

	if c.MinInterval <= 0 {
		c.MinInterval = defaultMinInterval
	}

	if c.Window <= 0 {
		c.Window = defaultWindow
	}

	if c.ErrorRate <= 0 {
		c.ErrorRate = defaultErrorRate
	}

	if c.TripThrottles <= 0 {
		c.TripThrottles = defaultTripThrottles
	}

	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}

	return c
}

// interval returns the effective gap between requests: the larger of the
// configured minimum and the per-minute budget.
func (c Config) interval() time.Duration {
	budget := time.Minute / time.Duration(c.RequestsPerMinute)
	if budget < c.MinInterval {
		return c.MinInterval
	}

	return budget
}

// Ticket is the permission to perform one remote call. Probe tickets are
// issued one at a time while the breaker is half-open.
type Ticket struct {
	Probe    bool
	IssuedAt time.Time
}

// outcomeEntry is one sample in the rolling window.
type outcomeEntry struct {
	at time.Time
	ok bool
}

// StateChangeFunc observes breaker transitions. The orchestrator hooks this
// to shrink its concurrency limit while the breaker is open.
type StateChangeFunc func(from, to BreakerState)

// Guard combines token-bucket pacing with the rolling-window breaker.
// Guard state is scoped to a single orchestrator invocation.
type Guard struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu             sync.Mutex
	state          BreakerState
	openedAt       time.Time
	probeInFlight  bool
	consecutive429 int
	window         []outcomeEntry

	onStateChange StateChangeFunc

	// now is the clock, injectable for tests.
	now func() time.Time
}

// New creates a Guard with the given configuration.
func New(cfg Config, logger *slog.Logger) *Guard {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.interval()), 1),
		logger:  logger,
		now:     time.Now,
	}
}

// OnStateChange registers a breaker transition observer. Must be called
// before the guard is shared across goroutines.
func (g *Guard) OnStateChange(fn StateChangeFunc) {
	g.onStateChange = fn
}

// State returns the current breaker state.
func (g *Guard) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Acquire blocks on the pacer and returns a ticket, or ErrSkip while the
// breaker is open. Half-open admits exactly one probe; further callers get
// ErrSkip until the probe's outcome is recorded.
func (g *Guard) Acquire(ctx context.Context) (Ticket, error) {
	probe, err := g.admit()
	if err != nil {
		return Ticket{}, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		g.releaseProbe(probe)
		return Ticket{}, fmt.Errorf("rateguard: pacing wait: %w", err)
	}

	return Ticket{Probe: probe, IssuedAt: g.now()}, nil
}

// admit applies the breaker gate and reserves the half-open probe slot.
func (g *Guard) admit() (probe bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case BreakerClosed:
		return false, nil

	case BreakerOpen:
		if g.now().Sub(g.openedAt) < g.cfg.Cooldown {
			return false, ErrSkip
		}

		g.setStateLocked(BreakerHalfOpen)

		fallthrough

	case BreakerHalfOpen:
		if g.probeInFlight {
			return false, ErrSkip
		}

		g.probeInFlight = true

		return true, nil
	}

	return false, nil
}

// releaseProbe returns the probe slot when the pacer wait was canceled
// before the call happened.
func (g *Guard) releaseProbe(probe bool) {
	if !probe {
		return
	}

	g.mu.Lock()
	g.probeInFlight = false
	g.mu.Unlock()
}

// Record reports the outcome of a call performed under a ticket. It updates
// the rolling window, evaluates the trip conditions, and resolves half-open
// probes.
func (g *Guard) Record(t Ticket, o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	ok := o == OutcomeSuccess

	g.window = append(g.window, outcomeEntry{at: now, ok: ok})
	g.pruneLocked(now)

	if o == OutcomeThrottled {
		g.consecutive429++
	} else {
		g.consecutive429 = 0
	}

	if t.Probe {
		g.probeInFlight = false

		if ok {
			g.setStateLocked(BreakerClosed)
		} else {
			g.openedAt = now
			g.setStateLocked(BreakerOpen)
		}

		return
	}

	if g.state != BreakerClosed {
		return
	}

	if g.consecutive429 >= g.cfg.TripThrottles || g.errorRateLocked() > g.cfg.ErrorRate {
		g.openedAt = now
		g.setStateLocked(BreakerOpen)
	}
}

// pruneLocked drops window samples older than the window width.
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)

	i := 0
	for i < len(g.window) && g.window[i].at.Before(cutoff) {
		i++
	}

	g.window = g.window[i:]
}

// errorRateLocked returns the window error rate, or 0 below the sample floor.
func (g *Guard) errorRateLocked() float64 {
	if len(g.window) < minWindowSamples {
		return 0
	}

	var failures int

	for _, e := range g.window {
		if !e.ok {
			failures++
		}
	}

	return float64(failures) / float64(len(g.window))
}

// setStateLocked transitions the breaker and adjusts pacing: open triples
// the inter-request gap, closed restores it.
func (g *Guard) setStateLocked(to BreakerState) {
	from := g.state
	if from == to {
		return
	}

	g.state = to

	switch to {
	case BreakerOpen:
		g.limiter.SetLimit(rate.Every(g.cfg.interval() * openPacingFactor))
	case BreakerClosed:
		g.limiter.SetLimit(rate.Every(g.cfg.interval()))
		g.consecutive429 = 0
	case BreakerHalfOpen:
		// Pacing unchanged; the single probe goes out at the open pace.
	}

	g.logger.Info("breaker state change",
		"from", from.String(), "to", to.String())

	if g.onStateChange != nil {
		g.onStateChange(from, to)
	}
}
