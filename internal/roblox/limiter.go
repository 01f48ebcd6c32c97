package roblox

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultWindow        = time.Minute
	defaultMaxConcurrent = 2
	defaultMinSpacing    = time.Second
)

var errInvalidCapacity = errors.New("roblox: limiter capacity must be positive")

// LimiterConfig tunes the shared outbound request budget.
type LimiterConfig struct {
	// Capacity is the number of requests granted per Window.
	Capacity int
	// Window is the fixed refill interval for the reservoir.
	Window time.Duration
	// MaxConcurrent caps simultaneous in-flight requests.
	MaxConcurrent int
	// MinSpacing is the minimum delay between consecutive request starts,
	// enforced even while reservoir tokens remain.
	MinSpacing time.Duration
	// Clock is injectable for tests.
	Clock func() time.Time
}

// Limiter is the single shared request budget for all Roblox traffic. Three
// constraints apply jointly: a fixed-window reservoir, a concurrency cap and
// a minimum inter-request spacing. Waiters are admitted in arrival order.
type Limiter struct {
	capacity int
	window   time.Duration
	clock    func() time.Time

	// turnstile serializes grant order so queued callers cannot overtake
	// one another while the reservoir, spacing or slot admission makes
	// them wait.
	turnstile chan struct{}
	spacing   *rate.Limiter
	slots     chan struct{}

	windowStart time.Time
	remaining   int
}

// NewLimiter constructs the limiter. Zero-valued optional fields fall back
// to the production defaults (60s window, 2 concurrent, 1s spacing).
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, errInvalidCapacity
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	minSpacing := cfg.MinSpacing
	if minSpacing <= 0 {
		minSpacing = defaultMinSpacing
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	limiter := &Limiter{
		capacity:  cfg.Capacity,
		window:    window,
		clock:     clock,
		turnstile: make(chan struct{}, 1),
		spacing:   rate.NewLimiter(rate.Every(minSpacing), 1),
		slots:     make(chan struct{}, maxConcurrent),
		remaining: cfg.Capacity,
	}
	limiter.windowStart = clock()
	return limiter, nil
}

// Acquire blocks until the caller may start a request, honoring context
// cancellation while queued. The returned release func must be called when
// the request finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.turnstile <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := l.waitReservoir(ctx); err != nil {
		<-l.turnstile
		return nil, err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		<-l.turnstile
		return nil, err
	}

	// The slot is claimed while still holding the turnstile: channel send
	// wakeup order is unspecified, so releasing first would let a later
	// arrival overtake a waiter parked on the slots channel.
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		<-l.turnstile
		return nil, ctx.Err()
	}
	<-l.turnstile
	return func() { <-l.slots }, nil
}

// waitReservoir consumes one reservoir token, sleeping across window
// boundaries when the current window is spent. Only the turnstile holder
// runs here, so the reservoir fields need no further locking.
func (l *Limiter) waitReservoir(ctx context.Context) error {
	for {
		l.refill()
		if l.remaining > 0 {
			l.remaining--
			return nil
		}

		wakeAt := l.windowStart.Add(l.window)
		timer := time.NewTimer(wakeAt.Sub(l.clock()))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *Limiter) refill() {
	now := l.clock()
	elapsed := now.Sub(l.windowStart)
	if elapsed < l.window {
		return
	}
	// Advance by whole windows so the refill boundary stays fixed instead
	// of drifting with each grant.
	windows := elapsed / l.window
	l.windowStart = l.windowStart.Add(windows * l.window)
	l.remaining = l.capacity
}
