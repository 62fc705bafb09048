// Package breaker guards each (tool, action) route with a circuit breaker.
// A route that keeps failing trips open and sheds load immediately instead of
// queueing doomed upstream calls; after a cooling-off period a single probe
// decides whether the route has recovered.
//
// Only upstream failures move a breaker: the pipeline records 5xx and
// timeouts, never 4xx or policy denials.
package breaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
)

// ErrOpen is returned by Admit while the route is shedding load.
var ErrOpen = errors.New("breaker: open")

// State is a breaker position. The numeric values are the gauge encoding.
type State int

// Breaker states.
const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config bounds one route's failure tolerance.
type Config struct {
	// FailureThreshold is how many failures within the window trip the route.
	FailureThreshold int
	// WindowSize is the number of most recent completions examined.
	WindowSize int
	// OpenFor is how long an open route sheds load before probing.
	OpenFor time.Duration
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.WindowSize < c.FailureThreshold {
		c.WindowSize = c.FailureThreshold
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	return c
}

// Breaker is one route's state machine. Admission decisions and counter
// updates share a mutex, so a transition is never racing an admit.
type Breaker struct {
	tool   string
	action string
	cfg    Config

	mu          sync.Mutex
	state       State
	window      []bool // ring of recent completions, true = failure
	head        int
	filled      int
	failures    int
	consecutive int
	openedAt    time.Time
	probing     bool

	sink   *telemetry.Sink
	logger *slog.Logger
	now    func() time.Time
}

// Admit decides whether a call may proceed. It returns ErrOpen on fast-fail.
// An open route whose cooling-off elapsed flips to half-open and admits the
// caller as the probe; further callers fast-fail until the probe completes.
func (b *Breaker) Admit(correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenFor {
			b.transitionLocked(StateHalfOpen, correlationID)
			b.probing = true
			return nil
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
	}

	metrics.RecordBreakerFastFail(b.tool, b.action)
	return ErrOpen
}

// RecordSuccess feeds a successful completion back into the route.
func (b *Breaker) RecordSuccess(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.observeLocked(false)
		b.consecutive = 0
	case StateHalfOpen:
		b.probing = false
		b.resetLocked()
		b.transitionLocked(StateClosed, correlationID)
	case StateOpen:
		// Late completion from before the trip; the timer decides recovery.
	}
}

// RecordNeutral releases an admission that proved nothing about upstream
// health: the upstream was never reached, or it answered with a 4xx. The
// window and counters stay untouched; a half-open route frees its probe
// slot so the next admission can probe again.
func (b *Breaker) RecordNeutral(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// RecordFailure feeds a retryable upstream failure back into the route.
func (b *Breaker) RecordFailure(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.observeLocked(true)
		b.consecutive++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen, correlationID)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transitionLocked(StateOpen, correlationID)
	case StateOpen:
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) observeLocked(failed bool) {
	if b.filled == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.head] = failed
	b.head = (b.head + 1) % len(b.window)
	if failed {
		b.failures++
	}
}

func (b *Breaker) resetLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head, b.filled, b.failures, b.consecutive = 0, 0, 0, 0
}

func (b *Breaker) transitionLocked(to State, correlationID string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.SetBreakerState(b.tool, b.action, float64(to))

	severity := telemetry.SeverityInfo
	if to == StateOpen {
		severity = telemetry.SeverityError
		b.logger.Warn("breaker opened", "tool", b.tool, "action", b.action, "failures", b.failures)
	} else {
		b.logger.Info("breaker transition", "tool", b.tool, "action", b.action, "from", from.String(), "to", to.String())
	}
	if b.sink != nil {
		b.sink.Emit(telemetry.Event{
			Kind:          telemetry.KindBreakerTransition,
			Severity:      severity,
			CorrelationID: correlationID,
			Payload: map[string]any{
				"tool":   b.tool,
				"action": b.action,
				"from":   from.String(),
				"to":     to.String(),
			},
		})
	}
}

// RouteState is one route's snapshot for the administrative surface.
type RouteState struct {
	Tool                string    `json:"tool"`
	Action              string    `json:"action"`
	State               string    `json:"state"`
	WindowFailures      int       `json:"window_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the pool clock in tests. Breakers created after the
// override share it.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool owns one breaker per route, created on first use. Breaker state is
// process-local and restartable; a fresh process starts every route closed.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	routes map[string]*Breaker
	sink   *telemetry.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewPool builds an empty pool applying cfg to every route.
func NewPool(cfg Config, sink *telemetry.Sink, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg.normalized(),
		routes: make(map[string]*Breaker),
		sink:   sink,
		logger: logger.With("component", "breaker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Route returns the breaker for (tool, action), creating it closed on first
// use.
func (p *Pool) Route(tool, action string) *Breaker {
	key := tool + " " + action
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.routes[key]; ok {
		return b
	}
	b := &Breaker{
		tool:   tool,
		action: action,
		cfg:    p.cfg,
		window: make([]bool, p.cfg.WindowSize),
		sink:   p.sink,
		logger: p.logger,
		now:    p.now,
	}
	p.routes[key] = b
	metrics.SetBreakerState(tool, action, float64(StateClosed))
	return b
}

// Snapshot reports every route's state, ordered by tool then action.
func (p *Pool) Snapshot() []RouteState {
	p.mu.Lock()
	breakers := make([]*Breaker, 0, len(p.routes))
	for _, b := range p.routes {
		breakers = append(breakers, b)
	}
	p.mu.Unlock()

	out := make([]RouteState, 0, len(breakers))
	for _, b := range breakers {
		b.mu.Lock()
		rs := RouteState{
			Tool:                b.tool,
			Action:              b.action,
			State:               b.state.String(),
			WindowFailures:      b.failures,
			ConsecutiveFailures: b.consecutive,
		}
		if b.state == StateOpen {
			rs.OpenedAt = b.openedAt
			rs.NextProbeAt = b.openedAt.Add(b.cfg.OpenFor)
		}
		b.mu.Unlock()
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tool != out[j].Tool {
			return out[i].Tool < out[j].Tool
		}
		return out[i].Action < out[j].Action
	})
	return out
}
