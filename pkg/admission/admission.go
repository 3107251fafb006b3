// Package admission decides whether a new session may start, based on the
// number of sessions currently online versus a configured capacity.
package admission

import (
	"context"
	"slices"

	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/rs/zerolog"
)

const (
	ReasonBypass           = "bypass"
	ReasonCapacityReached  = "capacity reached"
	ReasonCountUnavailable = "presence count unavailable"
)

// Decision is the computed outcome of an admission check. It is never persisted.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	CurrentCount int    `json:"currentCount"`
	MaxCount     int    `json:"maxCount"`
	Reason       string `json:"reason,omitempty"`
}

// Counter reports how many sessions are currently online.
// *presence.Aggregator satisfies it.
type Counter interface {
	CurrentCount(ctx context.Context) (int, error)
}

// Observer is notified of every decision.
type Observer interface {
	ObserveDecision(d Decision, failedOpen bool)
}

// Config holds configuration for a Gatekeeper.
type Config struct {
	MaxConcurrentUsers int
	// Bypass identities are always admitted without reading presence.
	Bypass []string
	// TimeoutPolicy applies when the count cannot be read.
	TimeoutPolicy config.FailurePolicy
}

// DefaultConfig returns a capacity of 50 that fails open.
func DefaultConfig() Config {
	return Config{MaxConcurrentUsers: 50, TimeoutPolicy: config.FailOpen}
}

// Gatekeeper performs admission checks.
type Gatekeeper struct {
	counter  Counter
	cfg      Config
	observer Observer
	logger   zerolog.Logger
}

// NewGatekeeper creates a gatekeeper counting with counter.
func NewGatekeeper(counter Counter, cfg Config, logger zerolog.Logger) *Gatekeeper {
	def := DefaultConfig()
	if cfg.MaxConcurrentUsers <= 0 {
		cfg.MaxConcurrentUsers = def.MaxConcurrentUsers
	}
	if !cfg.TimeoutPolicy.Valid() {
		cfg.TimeoutPolicy = def.TimeoutPolicy
	}
	return &Gatekeeper{
		counter: counter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "AdmissionGatekeeper").Logger(),
	}
}

// WithObserver sets the decision observer and returns g.
func (g *Gatekeeper) WithObserver(o Observer) *Gatekeeper {
	g.observer = o
	return g
}

// Check runs CheckAccess with the configured bypass list.
func (g *Gatekeeper) Check(ctx context.Context, identity string, role presence.Role) Decision {
	return g.CheckAccess(ctx, identity, role, g.cfg.Bypass)
}

// CheckAccess admits identity if it is in bypass or fewer than
// MaxConcurrentUsers sessions are online. A count that cannot be read is
// resolved by the timeout policy: fail-open admits with a logged warning,
// fail-closed denies.
func (g *Gatekeeper) CheckAccess(ctx context.Context, identity string, role presence.Role, bypass []string) Decision {
	maxCount := g.cfg.MaxConcurrentUsers
	log := g.logger.With().Str("identity", identity).Str("role", string(role)).Logger()

	if slices.Contains(bypass, identity) {
		d := Decision{Allowed: true, MaxCount: maxCount, Reason: ReasonBypass}
		log.Debug().Msg("Admission bypassed.")
		g.observe(d, false)
		return d
	}

	count, err := g.counter.CurrentCount(ctx)
	if err != nil {
		d := Decision{MaxCount: maxCount, Reason: ReasonCountUnavailable}
		if g.cfg.TimeoutPolicy == config.FailOpen {
			d.Allowed = true
			log.Warn().Err(err).Int("max_count", maxCount).Msg("Presence count unavailable, admitting (fail open).")
		} else {
			log.Warn().Err(err).Int("max_count", maxCount).Msg("Presence count unavailable, denying (fail closed).")
		}
		g.observe(d, d.Allowed)
		return d
	}

	d := Decision{Allowed: count < maxCount, CurrentCount: count, MaxCount: maxCount}
	if !d.Allowed {
		d.Reason = ReasonCapacityReached
		log.Info().Int("current_count", count).Int("max_count", maxCount).Msg("Admission denied, capacity reached.")
	}
	g.observe(d, false)
	return d
}

func (g *Gatekeeper) observe(d Decision, failedOpen bool) {
	if g.observer != nil {
		g.observer.ObserveDecision(d, failedOpen)
	}
}
