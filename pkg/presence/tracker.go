package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TrackerState is the lifecycle state of a Tracker.
type TrackerState string

const (
	StateUninitialized TrackerState = "uninitialized"
	StateRegistering   TrackerState = "registering"
	StateOnline        TrackerState = "online"
	StateDisconnected  TrackerState = "disconnected"
	StateClosed        TrackerState = "closed"
)

// TrackerConfig holds configuration for a Tracker.
type TrackerConfig struct {
	// WriteTimeout bounds each registry write.
	WriteTimeout time.Duration
}

// DefaultTrackerConfig returns a five second write timeout.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{WriteTimeout: 5 * time.Second}
}

// Tracker keeps one session's presence record current. On every transition
// to connected it arms the deferred offline write and only then marks the
// record online, so a drop between the two steps cannot leave a stale online
// record. All registry failures are logged and swallowed.
type Tracker struct {
	session Session
	cfg     TrackerConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	state  TrackerState
	record Record
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates an uninitialized tracker over session.
func NewTracker(session Session, cfg TrackerConfig, logger zerolog.Logger) *Tracker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTrackerConfig().WriteTimeout
	}
	return &Tracker{
		session: session,
		cfg:     cfg,
		logger:  logger.With().Str("component", "PresenceTracker").Logger(),
		state:   StateUninitialized,
	}
}

// Start begins tracking identity. It is a no-op if the tracker is already
// running for identity; a running tracker for another identity is stopped
// first. The subscription outlives ctx and ends with Stop.
func (t *Tracker) Start(ctx context.Context, identity string, role Role, profile Profile) error {
	if identity == "" {
		return errors.New("presence identity cannot be empty")
	}
	if !role.Valid() {
		return errors.New("presence role must be admin or operator")
	}

	t.mu.Lock()
	running, current := t.cancel != nil, t.record.Identity
	t.mu.Unlock()
	if running {
		if current == identity {
			return nil
		}
		t.Stop(ctx)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	states, err := t.session.ConnectionState(watchCtx)
	if err != nil {
		cancel()
		t.logger.Warn().Err(err).Str("identity", identity).Msg("Could not subscribe to connection state, presence disabled for this session.")
		return nil
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.record = Record{
		Identity:      identity,
		Role:          role,
		DisplayName:   profile.DisplayName,
		ContactHandle: profile.ContactHandle,
	}
	t.cancel = cancel
	t.done = done
	t.state = StateRegistering
	t.mu.Unlock()

	t.logger.Info().Str("identity", identity).Str("role", string(role)).Msg("Presence tracking started.")
	go t.run(watchCtx, states, done)
	return nil
}

func (t *Tracker) run(ctx context.Context, states <-chan bool, done chan struct{}) {
	defer close(done)
	for connected := range states {
		if ctx.Err() != nil {
			return
		}
		if connected {
			t.announce(ctx)
			continue
		}
		t.setState(StateDisconnected)
		t.logger.Info().Str("identity", t.Record().Identity).Msg("Presence connection lost.")
	}
}

// announce arms the offline write, then marks the record online.
func (t *Tracker) announce(ctx context.Context) {
	t.setState(StateRegistering)
	rec := t.Record()
	log := t.logger.With().Str("identity", rec.Identity).Logger()

	armCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	err := t.session.ArmOffline(armCtx, rec)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to arm offline write; not marking online.")
		return
	}

	onlineCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	err = t.session.MarkOnline(onlineCtx, rec)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to write online presence.")
		return
	}
	t.setState(StateOnline)
	log.Debug().Msg("Presence online.")
}

// Stop ends the connection state subscription and writes the offline record
// without waiting for the deferred write. Stop on a tracker that is not
// running is a no-op.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel, done, rec := t.cancel, t.done, t.record
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.WriteTimeout)
	defer cancelWrite()
	if err := t.session.MarkOffline(writeCtx, rec); err != nil {
		t.logger.Warn().Err(err).Str("identity", rec.Identity).Msg("Best-effort offline write failed; relying on the deferred write.")
	}
	t.setState(StateClosed)
	t.logger.Info().Str("identity", rec.Identity).Msg("Presence tracking stopped.")
}

// State returns the tracker's lifecycle state.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Record returns the record the tracker maintains.
func (t *Tracker) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

func (t *Tracker) setState(s TrackerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}
