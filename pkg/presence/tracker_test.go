package presence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSession is a Session whose connectivity is driven by the test and
// which records the order of writes.
type recordingSession struct {
	mu        sync.Mutex
	ops       []string
	states    chan bool
	subErr    error
	armErr    error
	onlineErr error
}

func newRecordingSession() *recordingSession {
	return &recordingSession{states: make(chan bool, 4)}
}

func (s *recordingSession) ConnectionState(ctx context.Context) (<-chan bool, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	out := make(chan bool)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-s.states:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *recordingSession) record(op string, rec presence.Record, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op+":"+rec.Identity)
	return err
}

func (s *recordingSession) ArmOffline(_ context.Context, rec presence.Record) error {
	return s.record("arm", rec, s.armErr)
}

func (s *recordingSession) MarkOnline(_ context.Context, rec presence.Record) error {
	return s.record("online", rec, s.onlineErr)
}

func (s *recordingSession) MarkOffline(_ context.Context, rec presence.Record) error {
	return s.record("offline", rec, nil)
}

func (s *recordingSession) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

var profile = presence.Profile{DisplayName: "Ada", ContactHandle: "@ada"}

func TestTracker_ArmsOfflineBeforeMarkingOnline(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	tracker := presence.NewTracker(session, presence.DefaultTrackerConfig(), zerolog.Nop())

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleOperator, profile))
	t.Cleanup(func() { tracker.Stop(ctx) })
	session.states <- true

	require.Eventually(t, func() bool { return tracker.State() == presence.StateOnline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"arm:u1", "online:u1"}, session.Ops())

	rec := tracker.Record()
	assert.Equal(t, "Ada", rec.DisplayName)
	assert.Equal(t, "@ada", rec.ContactHandle)
	assert.Equal(t, presence.RoleOperator, rec.Role)
}

func TestTracker_ArmFailureSkipsOnlineWrite(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	session.armErr = errors.New("permission denied")
	tracker := presence.NewTracker(session, presence.DefaultTrackerConfig(), zerolog.Nop())

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleAdmin, profile))
	t.Cleanup(func() { tracker.Stop(ctx) })
	session.states <- true

	require.Eventually(t, func() bool { return len(session.Ops()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return tracker.State() == presence.StateOnline }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"arm:u1"}, session.Ops())
}

func TestTracker_OnlineWriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	session.onlineErr = errors.New("unavailable")
	tracker := presence.NewTracker(session, presence.DefaultTrackerConfig(), zerolog.Nop())

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleAdmin, profile))
	session.states <- true
	require.Eventually(t, func() bool { return len(session.Ops()) == 2 }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, presence.StateOnline, tracker.State())

	tracker.Stop(ctx)
	assert.Equal(t, presence.StateClosed, tracker.State())
}

func TestTracker_ValidatesInput(t *testing.T) {
	tracker := presence.NewTracker(newRecordingSession(), presence.DefaultTrackerConfig(), zerolog.Nop())
	assert.Error(t, tracker.Start(context.Background(), "", presence.RoleAdmin, profile))
	assert.Error(t, tracker.Start(context.Background(), "u1", presence.Role("guest"), profile))
	assert.Equal(t, presence.StateUninitialized, tracker.State())
}

func TestTracker_SubscriptionFailureDisablesTracking(t *testing.T) {
	session := newRecordingSession()
	session.subErr = errors.New("registry unreachable")
	tracker := presence.NewTracker(session, presence.DefaultTrackerConfig(), zerolog.Nop())

	require.NoError(t, tracker.Start(context.Background(), "u1", presence.RoleAdmin, profile))
	assert.Equal(t, presence.StateUninitialized, tracker.State())
	assert.Empty(t, session.Ops())
	tracker.Stop(context.Background())
}

func TestTracker_StartIsIdempotentPerIdentity(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	tracker := presence.NewTracker(session, presence.DefaultTrackerConfig(), zerolog.Nop())

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleAdmin, profile))
	session.states <- true
	require.Eventually(t, func() bool { return tracker.State() == presence.StateOnline }, time.Second, 5*time.Millisecond)

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleAdmin, profile))
	assert.Equal(t, []string{"arm:u1", "online:u1"}, session.Ops())

	require.NoError(t, tracker.Start(ctx, "u2", presence.RoleOperator, profile))
	session.states <- true
	require.Eventually(t, func() bool { return tracker.State() == presence.StateOnline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"arm:u1", "online:u1", "offline:u1", "arm:u2", "online:u2"}, session.Ops())

	tracker.Stop(ctx)
	assert.Equal(t, "offline:u2", session.Ops()[len(session.Ops())-1])
}

func TestTracker_WithMemoryHub_UngracefulDisconnect(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewMemoryHub(quartz.NewMock(t))
	conn := hub.Connect()
	tracker := presence.NewTracker(conn, presence.DefaultTrackerConfig(), zerolog.Nop())

	onlineIn := func(want bool) func() bool {
		return func() bool {
			snap, err := hub.Snapshot(ctx)
			return err == nil && len(snap) == 1 && snap[0].Online == want
		}
	}

	require.NoError(t, tracker.Start(ctx, "u1", presence.RoleAdmin, profile))
	require.Eventually(t, onlineIn(true), time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tracker.State() == presence.StateOnline }, time.Second, 5*time.Millisecond)

	// No Stop: the hub applies the armed write itself.
	conn.Drop()
	require.Eventually(t, onlineIn(false), time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tracker.State() == presence.StateDisconnected }, time.Second, 5*time.Millisecond)

	conn.Reconnect()
	require.Eventually(t, onlineIn(true), time.Second, 5*time.Millisecond)

	tracker.Stop(ctx)
	assert.True(t, onlineIn(false)())
	assert.Equal(t, presence.StateClosed, tracker.State())
}
