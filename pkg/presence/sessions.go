package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// SessionFactory opens a registry session for a new tracker. release is
// called after the tracker has stopped.
type SessionFactory func() (session Session, release func())

// Sessions runs one Tracker per identity for a process that hosts many
// sessions, such as the sidecar.
type Sessions struct {
	factory SessionFactory
	cfg     TrackerConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*managedTracker
}

type managedTracker struct {
	tracker *Tracker
	release func()
}

// NewSessions creates an empty session set.
func NewSessions(factory SessionFactory, cfg TrackerConfig, logger zerolog.Logger) *Sessions {
	return &Sessions{
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		trackers: make(map[string]*managedTracker),
	}
}

// SharedSession is a SessionFactory for registries where one client serves
// every identity, such as the Redis and Firestore registries.
func SharedSession(s Session) SessionFactory {
	return func() (Session, func()) { return s, func() {} }
}

// Start begins tracking identity. Starting an identity that is already
// tracked is a no-op.
func (s *Sessions) Start(ctx context.Context, identity string, role Role, profile Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trackers[identity]; ok {
		return nil
	}
	session, release := s.factory()
	t := NewTracker(session, s.cfg, s.logger)
	if err := t.Start(ctx, identity, role, profile); err != nil {
		release()
		return err
	}
	s.trackers[identity] = &managedTracker{tracker: t, release: release}
	return nil
}

// Stop stops tracking identity and reports whether it was tracked.
func (s *Sessions) Stop(ctx context.Context, identity string) bool {
	s.mu.Lock()
	m, ok := s.trackers[identity]
	delete(s.trackers, identity)
	s.mu.Unlock()
	if !ok {
		return false
	}
	m.tracker.Stop(ctx)
	m.release()
	return true
}

// StopAll stops every tracker.
func (s *Sessions) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.trackers))
	for id := range s.trackers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(ctx, id)
	}
}

// State returns the tracker state for identity.
func (s *Sessions) State(identity string) (TrackerState, bool) {
	s.mu.Lock()
	m, ok := s.trackers[identity]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return m.tracker.State(), true
}
