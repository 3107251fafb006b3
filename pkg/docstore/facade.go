package docstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/cache"
	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Read outcomes reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeCacheHit    = "cache_hit"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeQuota       = "quota"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// Guard is the request budget the facade consults before every remote call.
// *breaker.Breaker satisfies it.
type Guard interface {
	// Allow returns a *breaker.CircuitOpenError when no request may be made.
	Allow() error
	RecordRequest()
	RecordQuotaError()
	RecordSuccess()
}

// Observer is notified of every read.
type Observer interface {
	ObserveRead(collection, outcome string, elapsed time.Duration)
}

// Config holds configuration for a Facade.
type Config struct {
	// ReadTimeout bounds every remote read.
	ReadTimeout time.Duration
	// WriteTimeout bounds every remote write; 0 uses ReadTimeout.
	WriteTimeout time.Duration
	// CacheTTL is the TTL of cached first pages; 0 uses the cache default.
	CacheTTL time.Duration
	// DisableCache turns off first page caching.
	DisableCache bool
	// TimeoutPolicy applies when a read exceeds ReadTimeout. Fail-closed returns
	// ErrTimeout; fail-open returns an empty page.
	TimeoutPolicy config.FailurePolicy
}

// DefaultConfig returns a 10 second read timeout that fails closed.
func DefaultConfig() Config {
	return Config{ReadTimeout: 10 * time.Second, TimeoutPolicy: config.FailClosed}
}

// Facade owns the shared pieces of the data path: the guard, the first page
// cache and the in-flight read group. Typed reads go through a Source.
type Facade struct {
	guard    Guard
	cache    cache.Cache[any]
	writer   Writer
	cfg      Config
	clock    quartz.Clock
	observer Observer
	logger   zerolog.Logger
	group    singleflight.Group

	// generations counts invalidations per cache key and per collection
	// prefix. A first page read only writes back if neither moved meanwhile.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewFacade creates a facade. writer may be nil if Write is never used.
func NewFacade(guard Guard, c cache.Cache[any], writer Writer, cfg Config, clock quartz.Clock, logger zerolog.Logger) *Facade {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.ReadTimeout
	}
	if !cfg.TimeoutPolicy.Valid() {
		cfg.TimeoutPolicy = def.TimeoutPolicy
	}
	return &Facade{
		guard:       guard,
		cache:       c,
		writer:      writer,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With().Str("component", "DataAccessFacade").Logger(),
		generations: make(map[string]uint64),
	}
}

// WithObserver sets the read observer and returns f.
func (f *Facade) WithObserver(o Observer) *Facade {
	f.observer = o
	return f
}

func (f *Facade) observe(collection, outcome string, start time.Time) {
	if f.observer != nil {
		f.observer.ObserveRead(collection, outcome, f.clock.Since(start))
	}
}

// Invalidate drops the cached first page of q.
func (f *Facade) Invalidate(q Query) {
	key := q.CacheKey()
	f.bump(key)
	f.cache.Invalidate(key)
}

// InvalidateCollection drops every cached page of collection.
func (f *Facade) InvalidateCollection(collection string) int {
	prefix := CollectionPrefix(collection)
	f.bump(prefix)
	return f.cache.InvalidateByPrefix(prefix)
}

func (f *Facade) bump(key string) {
	f.genMu.Lock()
	defer f.genMu.Unlock()
	f.generations[key]++
}

func (f *Facade) generation(q Query) uint64 {
	f.genMu.Lock()
	defer f.genMu.Unlock()
	return f.generations[q.CacheKey()] + f.generations[CollectionPrefix(q.Collection)]
}

// storeFirst caches p unless q was invalidated after gen was taken.
func (f *Facade) storeFirst(q Query, p any, gen uint64) bool {
	ttl := f.cfg.CacheTTL
	if q.CacheTTL > 0 {
		ttl = q.CacheTTL
	}
	f.genMu.Lock()
	defer f.genMu.Unlock()
	if f.generations[q.CacheKey()]+f.generations[CollectionPrefix(q.Collection)] != gen {
		return false
	}
	f.cache.Set(q.CacheKey(), p, ttl)
	return true
}

// Write writes a single document through the guard and, on success,
// invalidates every cached page of the collection.
func (f *Facade) Write(ctx context.Context, collection, id string, data any) error {
	if f.writer == nil {
		return errors.New("docstore facade has no writer")
	}
	if err := f.guard.Allow(); err != nil {
		return err
	}
	f.guard.RecordRequest()

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := f.clock.NewTimer(f.cfg.WriteTimeout, "docstore", "write")
	defer timer.Stop()

	res := make(chan error, 1)
	go func() { res <- f.writer.WriteDocument(writeCtx, collection, id, data) }()

	var err error
	select {
	case err = <-res:
	case <-timer.C:
		f.logger.Warn().Str("collection", collection).Dur("write_timeout", f.cfg.WriteTimeout).Msg("Write timed out.")
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		if IsQuotaError(err) {
			f.guard.RecordQuotaError()
			f.logger.Warn().Str("collection", collection).Msg("Quota exceeded on write.")
			return ErrSystemBusy
		}
		return err
	}
	f.guard.RecordSuccess()
	n := f.InvalidateCollection(collection)
	f.logger.Debug().Str("collection", collection).Int("invalidated", n).Msg("Document written, collection cache invalidated.")
	return nil
}

type result[T any] struct {
	page Page[T]
	err  error
}

// read performs one guarded, bounded remote read. When the timeout fires the
// read's context is cancelled and its eventual result dropped. fresh is false
// for the empty page returned under the fail-open policy.
func read[T any](ctx context.Context, f *Facade, r Reader[T], q Query, after Cursor) (page Page[T], fresh bool, err error) {
	start := f.clock.Now()
	log := f.logger.With().Str("collection", q.Collection).Logger()

	if err := f.guard.Allow(); err != nil {
		log.Warn().Err(err).Msg("Read refused by circuit breaker.")
		f.observe(q.Collection, OutcomeCircuitOpen, start)
		return Page[T]{}, false, err
	}
	f.guard.RecordRequest()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := f.clock.NewTimer(f.cfg.ReadTimeout, "docstore", "read")
	defer timer.Stop()

	res := make(chan result[T], 1)
	go func() {
		p, err := r.ReadPage(readCtx, q, after)
		res <- result[T]{page: p, err: err}
	}()

	select {
	case out := <-res:
		if out.err == nil {
			f.guard.RecordSuccess()
			f.observe(q.Collection, OutcomeOK, start)
			return out.page, true, nil
		}
		if IsQuotaError(out.err) {
			f.guard.RecordQuotaError()
			log.Warn().Err(out.err).Msg("Quota exceeded on read.")
			f.observe(q.Collection, OutcomeQuota, start)
			return Page[T]{}, false, ErrSystemBusy
		}
		if errors.Is(out.err, ErrTimeout) {
			f.observe(q.Collection, OutcomeTimeout, start)
		} else {
			f.observe(q.Collection, OutcomeError, start)
		}
		return Page[T]{}, false, out.err

	case <-timer.C:
		f.observe(q.Collection, OutcomeTimeout, start)
		if f.cfg.TimeoutPolicy == config.FailOpen {
			log.Warn().Dur("read_timeout", f.cfg.ReadTimeout).Msg("Read timed out, returning empty page (fail open).")
			return Page[T]{Items: []Document[T]{}}, false, nil
		}
		log.Warn().Dur("read_timeout", f.cfg.ReadTimeout).Msg("Read timed out.")
		return Page[T]{}, false, ErrTimeout

	case <-ctx.Done():
		return Page[T]{}, false, ctx.Err()
	}
}

// Source is the typed read path for documents of type T.
type Source[T any] struct {
	facade *Facade
	reader Reader[T]
}

// NewSource binds reader to facade.
func NewSource[T any](facade *Facade, reader Reader[T]) *Source[T] {
	return &Source[T]{facade: facade, reader: reader}
}

// First returns the first page of q, from the cache when possible.
// Concurrent identical first page reads share one remote call, which is
// bounded by ReadTimeout rather than by any one caller's context. Each caller
// still stops waiting when its own ctx is done.
func (s *Source[T]) First(ctx context.Context, q Query) (Page[T], error) {
	f := s.facade
	key := q.CacheKey()
	if !f.cfg.DisableCache {
		if v, ok := f.cache.Get(key); ok {
			if p, ok := v.(Page[T]); ok {
				f.logger.Debug().Str("cache_key", key).Msg("First page served from cache.")
				f.observe(q.Collection, OutcomeCacheHit, f.clock.Now())
				return p.clone(), nil
			}
		}
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		gen := f.generation(q)
		p, fresh, err := read(flightCtx, f, s.reader, q, Cursor{})
		if err != nil {
			return nil, err
		}
		if fresh && !f.cfg.DisableCache && !f.storeFirst(q, p, gen) {
			f.logger.Debug().Str("cache_key", key).Msg("First page invalidated during read, not cached.")
		}
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Page[T]{}, res.Err
		}
		return res.Val.(Page[T]).clone(), nil
	case <-ctx.Done():
		return Page[T]{}, ctx.Err()
	}
}

// Next returns the page of q after cursor. It is never served from cache.
func (s *Source[T]) Next(ctx context.Context, q Query, after Cursor) (Page[T], error) {
	p, _, err := read(ctx, s.facade, s.reader, q, after)
	return p, err
}

// Refresh invalidates the cached first page of q and reads it again.
func (s *Source[T]) Refresh(ctx context.Context, q Query) (Page[T], error) {
	s.facade.Invalidate(q)
	s.facade.group.Forget(q.CacheKey())
	return s.First(ctx, q)
}
