// Package breaker implements the request circuit breaker that throttles and
// temporarily disables reads after abusive request rates or repeated quota
// errors from the remote document store.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WindowMode selects how the request rate is measured.
type WindowMode string

const (
	// WindowFixed counts requests in a window that resets once a full window
	// has passed since the previous reset. It is an approximation of a
	// sliding window: bursts straddling a reset can reach twice the limit.
	WindowFixed WindowMode = "fixed"
	// WindowTokenBucket refills MaxRequestsPerMinute tokens per window
	// continuously, with a burst of MaxRequestsPerMinute.
	WindowTokenBucket WindowMode = "token_bucket"
)

// Reasons recorded when the breaker opens.
const (
	ReasonRateLimit = "request rate limit exceeded"
	ReasonQuota     = "quota exceeded"
)

// Config holds configuration for a Breaker.
type Config struct {
	MaxRequestsPerMinute int
	CooldownPeriod       time.Duration
	QuotaErrorThreshold  int
	// Window is the length of the request counting window.
	Window time.Duration
	// TickInterval is how often Start evaluates resets and cooldowns.
	TickInterval time.Duration
	Mode         WindowMode
}

// DefaultConfig returns 50 requests per minute, a 60 second cooldown and a
// threshold of three quota errors.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 50,
		CooldownPeriod:       60 * time.Second,
		QuotaErrorThreshold:  3,
		Window:               60 * time.Second,
		TickInterval:         time.Second,
		Mode:                 WindowFixed,
	}
}

// State is a snapshot of the breaker.
type State struct {
	IsOpen               bool       `json:"isOpen"`
	RequestCountInWindow int        `json:"requestCountInWindow"`
	QuotaErrorCount      int        `json:"quotaErrorCount"`
	WindowStartedAt      time.Time  `json:"windowStartedAt"`
	CooldownEndsAt       *time.Time `json:"cooldownEndsAt,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

// Listener receives the new state on every open and close transition.
type Listener func(State)

// Breaker is a process-local request and error rate circuit breaker.
// All methods are safe for concurrent use. Listeners are invoked in
// transition order with no breaker lock held, so they may call any method.
// A transition triggered while another goroutine is delivering is handed to
// that goroutine.
type Breaker struct {
	cfg    Config
	clock  quartz.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	limiter    *rate.Limiter
	pending    []State
	delivering bool

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// New creates a closed breaker. Zero config values fall back to DefaultConfig.
func New(cfg Config, clock quartz.Clock, logger zerolog.Logger) *Breaker {
	defaults := DefaultConfig()
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = defaults.MaxRequestsPerMinute
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = defaults.CooldownPeriod
	}
	if cfg.QuotaErrorThreshold <= 0 {
		cfg.QuotaErrorThreshold = defaults.QuotaErrorThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}

	b := &Breaker{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With().Str("component", "CircuitBreaker").Logger(),
		listeners: make(map[int]Listener),
	}
	b.state.WindowStartedAt = clock.Now()
	if cfg.Mode == WindowTokenBucket {
		perSecond := float64(cfg.MaxRequestsPerMinute) / cfg.Window.Seconds()
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.MaxRequestsPerMinute)
	}
	return b
}

// CanMakeRequest reports whether a request may be issued now. It opens the
// breaker when the request budget for the current window is spent.
func (b *Breaker) CanMakeRequest() bool {
	b.mu.Lock()
	now := b.clock.Now()
	transitions := b.advanceLocked(now)
	allowed := true
	switch {
	case b.state.IsOpen:
		allowed = false
	case b.budgetSpentLocked(now):
		allowed = false
		if st, opened := b.openLocked(now, ReasonRateLimit); opened {
			transitions = append(transitions, st)
		}
	}
	b.unlockAndNotify(transitions)
	return allowed
}

// Allow is CanMakeRequest returning a *CircuitOpenError when the request is
// refused.
func (b *Breaker) Allow() error {
	if b.CanMakeRequest() {
		return nil
	}
	st := b.State()
	return &CircuitOpenError{Reason: st.Reason, Remaining: b.RemainingCooldown()}
}

func (b *Breaker) budgetSpentLocked(now time.Time) bool {
	if b.limiter != nil {
		return b.limiter.TokensAt(now) < 1
	}
	return b.state.RequestCountInWindow >= b.cfg.MaxRequestsPerMinute
}

// RecordRequest counts an issued request. Call it only after CanMakeRequest
// returned true.
func (b *Breaker) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.state.RequestCountInWindow++
	if b.limiter != nil {
		b.limiter.AllowN(now, 1)
	}
}

// RecordQuotaError counts a quota exhaustion error and opens the breaker once
// the threshold is reached.
func (b *Breaker) RecordQuotaError() {
	b.mu.Lock()
	b.state.QuotaErrorCount++
	var transitions []State
	if b.state.QuotaErrorCount >= b.cfg.QuotaErrorThreshold {
		if st, opened := b.openLocked(b.clock.Now(), ReasonQuota); opened {
			transitions = append(transitions, st)
		}
	}
	b.unlockAndNotify(transitions)
}

// RecordSuccess is a partial recovery signal: it forgives one quota error.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.QuotaErrorCount > 0 {
		b.state.QuotaErrorCount--
	}
}

// Tick resets an elapsed request window and closes the breaker once its
// cooldown has passed. Start calls it every TickInterval.
func (b *Breaker) Tick() {
	b.mu.Lock()
	transitions := b.advanceLocked(b.clock.Now())
	b.unlockAndNotify(transitions)
}

// Start runs Tick every TickInterval until ctx is cancelled.
func (b *Breaker) Start(ctx context.Context) quartz.Waiter {
	return b.clock.TickerFunc(ctx, b.cfg.TickInterval, func() error {
		b.Tick()
		return nil
	}, "breaker", "tick")
}

// advanceLocked applies the periodic window reset and the cooldown expiry.
func (b *Breaker) advanceLocked(now time.Time) []State {
	if now.Sub(b.state.WindowStartedAt) >= b.cfg.Window {
		b.state.RequestCountInWindow = 0
		b.state.WindowStartedAt = now
	}
	if b.state.IsOpen && !now.Before(*b.state.CooldownEndsAt) {
		b.state.IsOpen = false
		b.state.QuotaErrorCount = 0
		b.state.CooldownEndsAt = nil
		b.state.Reason = ""
		b.logger.Info().Msg("Circuit breaker closed after cooldown.")
		return []State{b.snapshotLocked()}
	}
	return nil
}

// openLocked opens the breaker. Opening an open breaker is a no-op.
func (b *Breaker) openLocked(now time.Time, reason string) (State, bool) {
	if b.state.IsOpen {
		return State{}, false
	}
	ends := now.Add(b.cfg.CooldownPeriod)
	b.state.IsOpen = true
	b.state.CooldownEndsAt = &ends
	b.state.Reason = reason
	b.logger.Warn().
		Str("reason", reason).
		Int("request_count", b.state.RequestCountInWindow).
		Int("quota_errors", b.state.QuotaErrorCount).
		Dur("cooldown", b.cfg.CooldownPeriod).
		Msg("Circuit breaker opened.")
	return b.snapshotLocked(), true
}

func (b *Breaker) snapshotLocked() State {
	st := b.state
	if st.CooldownEndsAt != nil {
		ends := *st.CooldownEndsAt
		st.CooldownEndsAt = &ends
	}
	return st
}

// unlockAndNotify queues transitions, releases mu and, unless another
// goroutine is already delivering, delivers the queue in order.
func (b *Breaker) unlockAndNotify(transitions []State) {
	b.pending = append(b.pending, transitions...)
	if b.delivering || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for {
		batch := b.pending
		b.pending = nil
		if len(batch) == 0 {
			b.delivering = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		listeners := b.snapshotListeners()
		for _, st := range batch {
			for _, l := range listeners {
				l(st)
			}
		}
		b.mu.Lock()
	}
}

func (b *Breaker) snapshotListeners() []Listener {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	out := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		out = append(out, l)
	}
	return out
}

// Subscribe registers l for open and close transitions. The returned function
// removes the subscription.
func (b *Breaker) Subscribe(l Listener) (unsubscribe func()) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		delete(b.listeners, id)
	}
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// RemainingCooldown is zero when the breaker is closed.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.IsOpen {
		return 0
	}
	if d := b.state.CooldownEndsAt.Sub(b.clock.Now()); d > 0 {
		return d
	}
	return 0
}
