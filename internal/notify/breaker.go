package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Breaker while the downstream is considered
// unavailable.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the current state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes every notification through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects notifications without calling the downstream.
	BreakerOpen
	// BreakerHalfOpen lets notifications probe the downstream.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// BreakerSettings tunes a Breaker. Zero values take the defaults noted.
type BreakerSettings struct {
	FailureThreshold   int           // consecutive failures to open (5)
	SuccessThreshold   int           // half-open successes to close (2)
	OpenTimeout        time.Duration // time spent open before probing (30s)
	ErrorRateThreshold float64       // 0 disables rate based tripping
	ErrorRateWindow    time.Duration // tumbling window for the error rate

	// OnStateChange, if set, is called with the new state on every
	// transition. It runs under the breaker's lock and must not call back.
	OnStateChange func(BreakerState)
}

// Breaker wraps a Notifier with a circuit breaker so an unreachable broker
// fails fast instead of holding an outbox worker until its timeout. It trips
// on consecutive failures or on the error rate within a window. Safe for
// concurrent use.
type Breaker struct {
	next     Notifier
	settings BreakerSettings
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	state          BreakerState
	failures       int
	successes      int
	openedAt       time.Time
	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker wraps next.
func NewBreaker(next Notifier, settings BreakerSettings, logger *zap.Logger) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold < 1 {
		settings.SuccessThreshold = 2
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{next: next, settings: settings, logger: logger, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Notify forwards n unless the breaker is open.
func (b *Breaker) Notify(ctx context.Context, n Notification) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.next.Notify(ctx, n)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// HealthCheck reports the wrapped notifier's health. An open breaker is not
// itself a failure; the downstream check decides.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// maybeHalfOpen moves an expired open breaker to half-open. Lock held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.settings.OpenTimeout {
		b.setState(BreakerHalfOpen)
		b.successes = 0
		b.logger.Info("notifier circuit half-open")
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.logger.Info("notifier circuit closed")
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.settings.FailureThreshold || b.errorRateExceeded() {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// setState records a transition. Lock held.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(s)
	}
}

// open trips the breaker. Lock held.
func (b *Breaker) open() {
	b.setState(BreakerOpen)
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.logger.Warn("notifier circuit opened",
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("open_for", b.settings.OpenTimeout),
	)
}

func (b *Breaker) recordWindowCall(failed bool) {
	if b.settings.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.settings.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.settings.ErrorRateThreshold <= 0 || b.settings.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.settings.ErrorRateThreshold
}
