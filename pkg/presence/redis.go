package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key and the change channel.
	KeyPrefix string
	// LeaseTTL is how long an online record survives without a heartbeat.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often leases are refreshed and expired leases reaped.
	HeartbeatInterval time.Duration
}

func (cfg *RedisConfig) applyDefaults() {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "presence"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
}

// RedisRegistry is a distributed registry on Redis. Redis has no
// run-on-disconnect primitive, so liveness is a lease key with a TTL that the
// owning client refreshes on every heartbeat. The armed offline write is
// stored as a will; once a lease has expired any participant's reaper
// applies the will, so the record goes offline without client teardown.
type RedisRegistry struct {
	rdb        *redis.Client
	ownsClient bool
	prefix     string
	leaseTTL   time.Duration
	heartbeat  time.Duration
	clock      quartz.Clock
	logger     zerolog.Logger
	sessionID  string

	beats *heartbeat

	mu    sync.Mutex
	owned map[string]Record
}

// NewRedisRegistry creates and connects a new RedisRegistry.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisRegistry(
	ctx context.Context,
	cfg *RedisConfig,
	clock quartz.Clock,
	logger zerolog.Logger,
) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for presence registry: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for presence registry.")

	r := NewRedisRegistryWithClient(rdb, cfg, clock, logger)
	r.ownsClient = true
	return r, nil
}

// NewRedisRegistryWithClient wraps an existing client. The client's lifecycle
// is managed by the caller.
func NewRedisRegistryWithClient(rdb *redis.Client, cfg *RedisConfig, clock quartz.Clock, logger zerolog.Logger) *RedisRegistry {
	c := *cfg
	c.applyDefaults()
	sessionID := uuid.NewString()
	r := &RedisRegistry{
		rdb:       rdb,
		prefix:    strings.TrimSuffix(c.KeyPrefix, ":"),
		leaseTTL:  c.LeaseTTL,
		heartbeat: c.HeartbeatInterval,
		clock:     clock,
		logger:    logger.With().Str("component", "RedisPresenceRegistry").Str("session_id", sessionID).Logger(),
		sessionID: sessionID,
		owned:     make(map[string]Record),
	}
	r.beats = newHeartbeat(clock, c.HeartbeatInterval, r.refresh)
	return r
}

func (r *RedisRegistry) recordKey(identity string) string { return r.prefix + ":record:" + identity }
func (r *RedisRegistry) leaseKey(identity string) string  { return r.prefix + ":lease:" + identity }
func (r *RedisRegistry) willKey(identity string) string   { return r.prefix + ":will:" + identity }
func (r *RedisRegistry) changesChannel() string           { return r.prefix + ":changes" }

// serverTime prefers the Redis server clock so every participant stamps
// records from the same source.
func (r *RedisRegistry) serverTime(ctx context.Context) time.Time {
	ts, err := r.rdb.Time(ctx).Result()
	if err != nil {
		return r.clock.Now().UTC()
	}
	return ts.UTC()
}

// ConnectionState reports connectivity to Redis. Every subscriber shares one
// heartbeat that pings Redis and refreshes all leases this registry owns; a
// lease that expired while the client was unreachable is taken again, will
// first.
func (r *RedisRegistry) ConnectionState(ctx context.Context) (<-chan bool, error) {
	return r.beats.subscribe(ctx)
}

// refresh reports connectivity and keeps owned leases alive. All lease
// refreshes go out in one pipeline.
func (r *RedisRegistry) refresh(ctx context.Context) bool {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Presence heartbeat ping failed.")
		}
		return false
	}

	owned := r.ownedRecords()
	if len(owned) == 0 {
		return true
	}
	refreshes := make([]*redis.BoolCmd, len(owned))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range owned {
			refreshes[i] = pipe.PExpire(ctx, r.leaseKey(rec.Identity), r.leaseTTL)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Int("leases", len(owned)).Msg("Failed to refresh presence leases.")
		}
		return false
	}

	for i, rec := range owned {
		if refreshes[i].Val() || !r.isOwned(rec.Identity) {
			continue
		}
		r.logger.Warn().Str("identity", rec.Identity).Msg("Presence lease expired before refresh, registering again.")
		if err := r.ArmOffline(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("identity", rec.Identity).Msg("Failed to re-arm presence will.")
			continue
		}
		if err := r.MarkOnline(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("identity", rec.Identity).Msg("Failed to re-register presence.")
		}
	}
	return true
}

func (r *RedisRegistry) isOwned(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owned[identity]
	return ok
}

func (r *RedisRegistry) ownedRecords() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := make([]Record, 0, len(r.owned))
	for _, rec := range r.owned {
		recs = append(recs, rec)
	}
	return recs
}

// ArmOffline stores the will applied when this client's lease expires.
func (r *RedisRegistry) ArmOffline(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.offline(time.Time{}))
	if err != nil {
		return fmt.Errorf("failed to marshal presence will for %s: %w", rec.Identity, err)
	}
	if err := r.rdb.Set(ctx, r.willKey(rec.Identity), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to arm presence will in redis for %s: %w", rec.Identity, err)
	}
	return nil
}

// MarkOnline takes the lease and writes the online record in one transaction.
func (r *RedisRegistry) MarkOnline(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.online(r.serverTime(ctx)))
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for %s: %w", rec.Identity, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.leaseKey(rec.Identity), r.sessionID, r.leaseTTL)
		pipe.Set(ctx, r.recordKey(rec.Identity), data, 0)
		pipe.Publish(ctx, r.changesChannel(), rec.Identity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence online in redis for %s: %w", rec.Identity, err)
	}
	r.mu.Lock()
	r.owned[rec.Identity] = rec
	r.mu.Unlock()
	return nil
}

// MarkOffline writes the offline record and releases the lease and will.
func (r *RedisRegistry) MarkOffline(ctx context.Context, rec Record) error {
	r.mu.Lock()
	delete(r.owned, rec.Identity)
	r.mu.Unlock()

	data, err := json.Marshal(rec.offline(r.serverTime(ctx)))
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for %s: %w", rec.Identity, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(rec.Identity), data, 0)
		pipe.Del(ctx, r.leaseKey(rec.Identity), r.willKey(rec.Identity))
		pipe.Publish(ctx, r.changesChannel(), rec.Identity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence offline in redis for %s: %w", rec.Identity, err)
	}
	return nil
}

// Reap applies the will of every online record whose lease has expired and
// returns how many records it took offline.
func (r *RedisRegistry) Reap(ctx context.Context) (int, error) {
	keys, err := r.recordKeys(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, key := range keys {
		ok, err := r.reapOne(ctx, strings.TrimPrefix(key, r.prefix+":record:"))
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Applied presence wills for expired leases.")
		if err := r.rdb.Publish(ctx, r.changesChannel(), "reap").Err(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to publish presence reap.")
		}
	}
	return reaped, nil
}

func (r *RedisRegistry) reapOne(ctx context.Context, identity string) (bool, error) {
	recKey, leaseKey, willKey := r.recordKey(identity), r.leaseKey(identity), r.willKey(identity)
	reaped := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, recKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("failed to unmarshal presence data for %s: %w", identity, err)
		}
		if !rec.Online {
			return nil
		}
		alive, err := tx.Exists(ctx, leaseKey).Result()
		if err != nil {
			return err
		}
		if alive > 0 {
			return nil
		}

		offline := rec
		if willRaw, err := tx.Get(ctx, willKey).Result(); err == nil {
			if err := json.Unmarshal([]byte(willRaw), &offline); err != nil {
				offline = rec
			}
		}
		data, err := json.Marshal(offline.offline(r.serverTime(ctx)))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, data, 0)
			pipe.Del(ctx, willKey)
			return nil
		})
		if err == nil {
			reaped = true
		}
		return err
	}, recKey, leaseKey, willKey)
	if errors.Is(err, redis.TxFailedErr) {
		// The owner wrote concurrently; its write wins.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reap presence for %s: %w", identity, err)
	}
	return reaped, nil
}

func (r *RedisRegistry) recordKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.prefix+":record:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan for presence records failed: %w", err)
	}
	return keys, nil
}

// Snapshot reaps expired leases, then returns every record.
func (r *RedisRegistry) Snapshot(ctx context.Context) ([]Record, error) {
	if _, err := r.Reap(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Presence reap failed; snapshot may include stale records.")
	}
	keys, err := r.recordKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget for presence records failed: %w", err)
	}
	records := make([]Record, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			r.logger.Warn().Err(err).Str("key", keys[i]).Msg("Skipping undecodable presence record.")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Watch subscribes to the change channel and re-reads the registry on every
// change and every heartbeat; the heartbeat catches lease expiries, which
// publish nothing themselves.
func (r *RedisRegistry) Watch(ctx context.Context) (<-chan []Record, error) {
	sub := r.rdb.Subscribe(ctx, r.changesChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence changes: %w", err)
	}
	initial, err := r.Snapshot(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []Record, 1)
	out <- initial
	msgs := sub.Channel()
	ticker := r.clock.NewTicker(r.heartbeat, "presence", "reap")

	go func() {
		defer close(out)
		defer ticker.Stop()
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			case <-ticker.C:
			}
			records, err := r.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn().Err(err).Msg("Presence watch refresh failed.")
				continue
			}
			offerLatest(out, records)
		}
	}()
	return out, nil
}

// Close ends every connection state subscription and closes the Redis client
// connection if this registry created it.
func (r *RedisRegistry) Close() error {
	r.beats.stop()
	if r.ownsClient && r.rdb != nil {
		r.logger.Info().Msg("Closing Redis client connection...")
		return r.rdb.Close()
	}
	return nil
}
