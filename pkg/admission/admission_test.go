package admission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCounter is a mock implementation of admission.Counter.
type MockCounter struct {
	CountFunc func(ctx context.Context) (int, error)
	calls     int
}

func (m *MockCounter) CurrentCount(ctx context.Context) (int, error) {
	m.calls++
	return m.CountFunc(ctx)
}

func fixedCount(n int) *MockCounter {
	return &MockCounter{CountFunc: func(context.Context) (int, error) { return n, nil }}
}

type recordingObserver struct {
	decisions  []admission.Decision
	failedOpen int
}

func (o *recordingObserver) ObserveDecision(d admission.Decision, failedOpen bool) {
	o.decisions = append(o.decisions, d)
	if failedOpen {
		o.failedOpen++
	}
}

func TestGatekeeper_Capacity(t *testing.T) {
	testCases := []struct {
		name  string
		count int
		want  admission.Decision
	}{
		{
			name:  "at capacity is denied",
			count: 50,
			want:  admission.Decision{Allowed: false, CurrentCount: 50, MaxCount: 50, Reason: admission.ReasonCapacityReached},
		},
		{
			name:  "one below capacity is admitted",
			count: 49,
			want:  admission.Decision{Allowed: true, CurrentCount: 49, MaxCount: 50},
		},
		{
			name:  "empty is admitted",
			count: 0,
			want:  admission.Decision{Allowed: true, CurrentCount: 0, MaxCount: 50},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := admission.NewGatekeeper(fixedCount(tc.count), admission.DefaultConfig(), zerolog.Nop())
			got := g.CheckAccess(context.Background(), "u1", presence.RoleOperator, nil)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGatekeeper_BypassSkipsCount(t *testing.T) {
	counter := fixedCount(1000)
	cfg := admission.DefaultConfig()
	cfg.Bypass = []string{"vip"}
	g := admission.NewGatekeeper(counter, cfg, zerolog.Nop())

	d := g.Check(context.Background(), "vip", presence.RoleAdmin)
	assert.True(t, d.Allowed)
	assert.Equal(t, admission.ReasonBypass, d.Reason)
	assert.Zero(t, counter.calls, "bypass must not read presence")

	d = g.Check(context.Background(), "someone", presence.RoleAdmin)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, counter.calls)
}

func TestGatekeeper_CountErrorPolicies(t *testing.T) {
	failing := &MockCounter{CountFunc: func(context.Context) (int, error) { return 0, errors.New("registry down") }}

	t.Run("fail open admits", func(t *testing.T) {
		obs := &recordingObserver{}
		g := admission.NewGatekeeper(failing, admission.DefaultConfig(), zerolog.Nop()).WithObserver(obs)
		d := g.Check(context.Background(), "u1", presence.RoleOperator)
		assert.True(t, d.Allowed)
		assert.Equal(t, admission.ReasonCountUnavailable, d.Reason)
		assert.Equal(t, 1, obs.failedOpen)
	})

	t.Run("fail closed denies", func(t *testing.T) {
		cfg := admission.DefaultConfig()
		cfg.TimeoutPolicy = config.FailClosed
		obs := &recordingObserver{}
		g := admission.NewGatekeeper(failing, cfg, zerolog.Nop()).WithObserver(obs)
		d := g.Check(context.Background(), "u1", presence.RoleOperator)
		assert.False(t, d.Allowed)
		assert.Zero(t, obs.failedOpen)
		require.Len(t, obs.decisions, 1)
	})
}

// stalledDirectory never resolves a snapshot before ctx is done.
type stalledDirectory struct{}

func (stalledDirectory) Snapshot(ctx context.Context) ([]presence.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledDirectory) Watch(context.Context) (<-chan []presence.Record, error) {
	return nil, errors.New("unused")
}

func TestGatekeeper_StalledCountFailsOpen(t *testing.T) {
	// Arrange: the aggregator's one-shot count stalls past its timeout.
	agg := presence.NewAggregator(stalledDirectory{}, presence.AggregatorConfig{CountTimeout: 25 * time.Millisecond}, quartz.NewReal(), zerolog.Nop())
	g := admission.NewGatekeeper(agg, admission.DefaultConfig(), zerolog.Nop())

	// Act
	start := time.Now()
	d := g.Check(context.Background(), "u1", presence.RoleOperator)

	// Assert
	assert.True(t, d.Allowed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGatekeeper_CountsLivePresence(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewMemoryHub(quartz.NewMock(t))
	agg := presence.NewAggregator(hub, presence.DefaultAggregatorConfig(), quartz.NewMock(t), zerolog.Nop())
	cfg := admission.DefaultConfig()
	cfg.MaxConcurrentUsers = 2
	g := admission.NewGatekeeper(agg, cfg, zerolog.Nop())

	conn := hub.Connect()
	require.NoError(t, conn.MarkOnline(ctx, presence.Record{Identity: "a", Role: presence.RoleOperator}))
	assert.True(t, g.Check(ctx, "b", presence.RoleOperator).Allowed)

	require.NoError(t, conn.MarkOnline(ctx, presence.Record{Identity: "b", Role: presence.RoleOperator}))
	d := g.Check(ctx, "c", presence.RoleOperator)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.CurrentCount)
}
