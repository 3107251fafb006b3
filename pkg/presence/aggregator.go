package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// ErrCountTimeout is returned by CurrentCount when the registry read does not
// resolve within the configured timeout. The count returned with it is zero.
var ErrCountTimeout = errors.New("presence count timed out")

// AggregatorConfig holds configuration for an Aggregator.
type AggregatorConfig struct {
	CountTimeout time.Duration
}

// DefaultAggregatorConfig returns a five second count timeout.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{CountTimeout: 5 * time.Second}
}

// Aggregator subscribes to the whole registry and keeps a live Summary.
type Aggregator struct {
	dir    Directory
	cfg    AggregatorConfig
	clock  quartz.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	current Summary

	listenersMu sync.Mutex
	listeners   map[int]func(Summary)
	nextID      int
}

// NewAggregator creates an aggregator over dir. Call Run to start it.
func NewAggregator(dir Directory, cfg AggregatorConfig, clock quartz.Clock, logger zerolog.Logger) *Aggregator {
	if cfg.CountTimeout <= 0 {
		cfg.CountTimeout = DefaultAggregatorConfig().CountTimeout
	}
	return &Aggregator{
		dir:       dir,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With().Str("component", "PresenceAggregator").Logger(),
		current:   Summary{Records: []Record{}},
		listeners: make(map[int]func(Summary)),
	}
}

// Run watches the registry and recomputes the summary on every change. It
// blocks until ctx is done or the watch ends.
func (a *Aggregator) Run(ctx context.Context) error {
	updates, err := a.dir.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch presence registry: %w", err)
	}
	a.logger.Info().Msg("Presence aggregator watching registry.")
	for records := range updates {
		s := Summarize(records, a.clock.Now())
		a.mu.Lock()
		a.current = s
		a.mu.Unlock()
		a.logger.Debug().
			Int("total", s.Total).
			Int("admins_online", s.AdminsOnline).
			Int("operators_online", s.OperatorsOnline).
			Msg("Presence summary updated.")
		a.notify(s)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("presence registry watch ended")
}

// Current returns the latest live summary.
func (a *Aggregator) Current() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Subscribe registers fn for every recomputed summary.
func (a *Aggregator) Subscribe(fn func(Summary)) (unsubscribe func()) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Aggregator) notify(s Summary) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	for _, fn := range a.listeners {
		fn(s)
	}
}

// CurrentCount performs a one-shot read of the registry and returns the
// number of online records. If the read does not resolve within
// CountTimeout it returns 0 with ErrCountTimeout; the read is abandoned and
// its late result discarded.
func (a *Aggregator) CurrentCount(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CountTimeout)
	defer cancel()

	type result struct {
		count int
		err   error
	}
	res := make(chan result, 1)
	go func() {
		records, err := a.dir.Snapshot(ctx)
		if err != nil {
			res <- result{err: err}
			return
		}
		res <- result{count: Summarize(records, a.clock.Now()).Total}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return 0, fmt.Errorf("presence snapshot failed: %w", r.err)
		}
		return r.count, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w after %s: %w", ErrCountTimeout, a.cfg.CountTimeout, ctx.Err())
	}
}
