// Package breaker implements the per-dependency circuit breaker that guards
// every call arbor makes to an external system.
//
// A Breaker starts CLOSED and passes calls through, recording failures in a
// rolling monitor window. When the window holds FailureThreshold failures the
// breaker trips OPEN and rejects calls with ErrOpen without running them.
// Once ResetTimeout has elapsed the next caller is admitted as the single
// HALF_OPEN trial; its outcome closes the breaker or re-opens it with a fresh
// timer. Callers arriving while the trial is in flight are rejected.
//
// Breakers never retry. Retry policy belongs to the caller.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jward/arbor/internal/fault"
)

// ErrOpen is returned (wrapped) when a call is rejected without being run.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"resetTimeout"`
	MonitorWindow    time.Duration `yaml:"monitor_window" json:"monitorWindow"`
	// Timeout bounds each call. Zero leaves the caller's context untouched.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the settings used when a dependency has no explicit
// configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitorWindow:    time.Minute,
		Timeout:          30 * time.Second,
	}
}

// Stats is a point-in-time snapshot used for health reporting.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailurePredicate decides which errors count against the breaker.
// The default ignores caller cancellation and Permanent errors: a dependency
// that answers 400 is up.
func WithFailurePredicate(counts func(error) bool) Option {
	return func(b *Breaker) { b.counts = counts }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// Breaker guards one external dependency. It is safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	counts func(error) bool
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	failures    []time.Time // inside the monitor window, oldest first
	lastFailure time.Time
	openedAt    time.Time
}

// New creates a CLOSED breaker. Zero fields in cfg take DefaultConfig values.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = def.MonitorWindow
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		counts: countsAsFailure,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch fault.KindOf(err) {
	case fault.Permanent, fault.TokenLimit:
		return false
	}
	return true
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs op through b and returns its result. Methods cannot carry type
// parameters, hence the package-level function.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (result T, err error) {
	trial, err := b.acquire()
	if err != nil {
		return result, err
	}

	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			b.release(trial, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err = op(callCtx)
	b.release(trial, err)
	return result, err
}

// Do is Execute for operations without a result.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// acquire admits or rejects a call. trial reports whether the caller holds
// the single HALF_OPEN trial slot.
func (b *Breaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, fmt.Errorf("breaker %s: %w", b.name, ErrOpen)
		}
		b.transition(HalfOpen)
		return true, nil
	default:
		// HALF_OPEN: the trial slot is taken until the trial reports back.
		return false, fmt.Errorf("breaker %s: trial in flight: %w", b.name, ErrOpen)
	}
}

func (b *Breaker) release(trial bool, err error) {
	failed := b.counts(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if failed {
		b.lastFailure = now
	}

	if trial {
		if failed {
			b.trip(now)
		} else {
			b.failures = b.failures[:0]
			b.transition(Closed)
		}
		return
	}

	// A non-trial call that finishes after another caller tripped the breaker
	// must not extend or reset the open period.
	if b.state != Closed {
		return
	}
	if !failed {
		b.failures = b.failures[:0]
		return
	}
	b.failures = append(b.pruned(now), now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == Closed {
		b.failures = b.failures[:0]
	}
	b.logger.Info("breaker.transition", "name", b.name, "from", from.String(), "to", to.String())
}

// pruned drops failures older than the monitor window. Caller holds mu.
func (b *Breaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.MonitorWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	return append(b.failures[:0], b.failures[i:]...)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot for health reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures := len(b.failures)
	if b.state == Closed {
		failures = len(b.pruned(b.now()))
	}
	return Stats{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    failures,
		LastFailure: b.lastFailure,
	}
}
