package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore registry.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	// LeaseTTL is how long an online record survives without a heartbeat.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often leases are extended and expired leases reaped.
	HeartbeatInterval time.Duration
}

// firestoreDoc is the stored form of a record. Lease expiry is stamped from
// the writer's clock, so participants are assumed to be roughly in sync.
type firestoreDoc struct {
	Record
	SessionID      string    `firestore:"sessionId,omitempty"`
	LeaseExpiresAt time.Time `firestore:"leaseExpiresAt,omitempty"`
	Will           *Record   `firestore:"will,omitempty"`
}

// FirestoreRegistry is a realtime registry on a Firestore collection. Like
// the Redis registry it emulates the deferred offline write with a lease that
// the owning session extends and a will that any participant applies once the
// lease has run out. Watch uses Firestore snapshot listeners.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	leaseTTL   time.Duration
	heartbeat  time.Duration
	clock      quartz.Clock
	logger     zerolog.Logger
	sessionID  string

	beats *heartbeat

	mu    sync.Mutex
	owned map[string]Record
}

// NewFirestoreRegistry creates a registry over an existing client. The
// client's lifecycle is managed externally.
func NewFirestoreRegistry(
	cfg *FirestoreConfig,
	client *firestore.Client,
	clock quartz.Clock,
	logger zerolog.Logger,
) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	collection := cfg.CollectionName
	if collection == "" {
		collection = "presence"
	}
	leaseTTL, heartbeat := cfg.LeaseTTL, cfg.HeartbeatInterval
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	sessionID := uuid.NewString()

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", collection).Msg("FirestoreRegistry initialized.")

	r := &FirestoreRegistry{
		client:     client,
		collection: collection,
		leaseTTL:   leaseTTL,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger.With().Str("component", "FirestorePresenceRegistry").Str("session_id", sessionID).Logger(),
		sessionID:  sessionID,
		owned:      make(map[string]Record),
	}
	r.beats = newHeartbeat(clock, heartbeat, r.refresh)
	r.beats.after = func(ctx context.Context, connected bool) {
		if !connected {
			return
		}
		if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Presence reap failed.")
		}
	}
	return r, nil
}

func (r *FirestoreRegistry) doc(identity string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(identity)
}

func recordFields(rec Record) map[string]interface{} {
	return map[string]interface{}{
		"identity":      rec.Identity,
		"role":          string(rec.Role),
		"displayName":   rec.DisplayName,
		"contactHandle": rec.ContactHandle,
	}
}

// ArmOffline stores the will on the record's document.
func (r *FirestoreRegistry) ArmOffline(ctx context.Context, rec Record) error {
	will := rec.offline(time.Time{})
	_, err := r.doc(rec.Identity).Set(ctx, map[string]interface{}{
		"will": recordFields(will),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to arm presence will in firestore for %s: %w", rec.Identity, err)
	}
	return nil
}

// MarkOnline writes the online record and takes the lease.
func (r *FirestoreRegistry) MarkOnline(ctx context.Context, rec Record) error {
	fields := recordFields(rec)
	fields["online"] = true
	fields["lastSeenAt"] = firestore.ServerTimestamp
	fields["connectedAt"] = firestore.ServerTimestamp
	fields["sessionId"] = r.sessionID
	fields["leaseExpiresAt"] = r.clock.Now().Add(r.leaseTTL)

	if _, err := r.doc(rec.Identity).Set(ctx, fields, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to set presence online in firestore for %s: %w", rec.Identity, err)
	}
	r.mu.Lock()
	r.owned[rec.Identity] = rec
	r.mu.Unlock()
	return nil
}

// MarkOffline writes the offline record and releases the lease and will.
func (r *FirestoreRegistry) MarkOffline(ctx context.Context, rec Record) error {
	r.mu.Lock()
	delete(r.owned, rec.Identity)
	r.mu.Unlock()

	if _, err := r.doc(rec.Identity).Set(ctx, offlineFields(rec), firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to set presence offline in firestore for %s: %w", rec.Identity, err)
	}
	return nil
}

func offlineFields(rec Record) map[string]interface{} {
	fields := recordFields(rec)
	fields["online"] = false
	fields["lastSeenAt"] = firestore.ServerTimestamp
	fields["connectedAt"] = nil
	fields["sessionId"] = firestore.Delete
	fields["leaseExpiresAt"] = firestore.Delete
	fields["will"] = firestore.Delete
	return fields
}

// ConnectionState reports connectivity to Firestore. Every subscriber shares
// one heartbeat that extends all leases this registry owns and reaps expired
// ones. A lease that another participant already reaped is registered
// again, will first, under the same identity.
func (r *FirestoreRegistry) ConnectionState(ctx context.Context) (<-chan bool, error) {
	return r.beats.subscribe(ctx)
}

func (r *FirestoreRegistry) refresh(ctx context.Context) bool {
	owned := r.ownedRecords()
	if len(owned) == 0 {
		_, err := r.doc("_heartbeat").Get(ctx)
		if err != nil && status.Code(err) != codes.NotFound {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Presence heartbeat read failed.")
			}
			return false
		}
		return true
	}

	for start := 0; start < len(owned); start += maxLeaseBatch {
		batch := owned[start:min(start+maxLeaseBatch, len(owned))]
		lost, err := r.extendLeases(ctx, batch)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Int("leases", len(batch)).Msg("Failed to extend presence leases.")
			}
			return false
		}
		for _, rec := range lost {
			if !r.isOwned(rec.Identity) {
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
	}
	return true
}

// maxLeaseBatch keeps each lease transaction under Firestore's write limit.
const maxLeaseBatch = 500

// extendLeases extends every lease in recs that this registry still holds, in
// one transaction, and returns the records whose lease was lost.
func (r *FirestoreRegistry) extendLeases(ctx context.Context, recs []Record) ([]Record, error) {
	refs := make([]*firestore.DocumentRef, len(recs))
	for i, rec := range recs {
		refs[i] = r.doc(rec.Identity)
	}
	var lost []Record
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		lost = lost[:0]
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		expires := r.clock.Now().Add(r.leaseTTL)
		for i, snap := range snaps {
			if !snap.Exists() {
				lost = append(lost, recs[i])
				continue
			}
			var d firestoreDoc
			if err := snap.DataTo(&d); err != nil {
				return err
			}
			if !d.Online || d.SessionID != r.sessionID {
				lost = append(lost, recs[i])
				continue
			}
			if err := tx.Update(refs[i], []firestore.Update{{Path: "leaseExpiresAt", Value: expires}}); err != nil {
				return err
			}
		}
		return nil
	})
	return lost, err
}

func (r *FirestoreRegistry) isOwned(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owned[identity]
	return ok
}

func (r *FirestoreRegistry) ownedRecords() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.owned))
	for _, rec := range r.owned {
		out = append(out, rec)
	}
	return out
}

// Reap applies the will of every online record whose lease has expired and
// returns how many records it took offline.
func (r *FirestoreRegistry) Reap(ctx context.Context) (int, error) {
	now := r.clock.Now()
	iter := r.client.Collection(r.collection).Where("leaseExpiresAt", "<", now).Documents(ctx)
	defer iter.Stop()

	reaped := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return reaped, fmt.Errorf("firestore query for expired leases failed: %w", err)
		}
		applied := false
		err = r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			applied = false
			fresh, err := tx.Get(snap.Ref)
			if err != nil {
				return err
			}
			var d firestoreDoc
			if err := fresh.DataTo(&d); err != nil {
				return err
			}
			if !d.Online || !d.LeaseExpiresAt.Before(now) {
				return nil
			}
			offline := d.Record
			if d.Will != nil {
				offline = *d.Will
			}
			applied = true
			return tx.Set(snap.Ref, offlineFields(offline), firestore.MergeAll)
		})
		if err != nil {
			return reaped, fmt.Errorf("failed to reap presence for %s: %w", snap.Ref.ID, err)
		}
		if applied {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Applied presence wills for expired leases.")
	}
	return reaped, nil
}

// Snapshot reaps expired leases, then returns every record.
func (r *FirestoreRegistry) Snapshot(ctx context.Context) ([]Record, error) {
	if _, err := r.Reap(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Presence reap failed; snapshot may include stale records.")
	}
	docs, err := r.client.Collection(r.collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore read of presence collection failed: %w", err)
	}
	return r.decode(docs), nil
}

func (r *FirestoreRegistry) decode(docs []*firestore.DocumentSnapshot) []Record {
	records := make([]Record, 0, len(docs))
	for _, snap := range docs {
		var d firestoreDoc
		if err := snap.DataTo(&d); err != nil {
			r.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping undecodable presence document.")
			continue
		}
		if d.Identity == "" {
			continue
		}
		records = append(records, d.Record)
	}
	return records
}

// Watch streams the collection through a snapshot listener. A reaper runs on
// the heartbeat so expired leases surface as changes.
func (r *FirestoreRegistry) Watch(ctx context.Context) (<-chan []Record, error) {
	it := r.client.Collection(r.collection).Snapshots(ctx)
	first, err := it.Next()
	if err != nil {
		it.Stop()
		return nil, fmt.Errorf("failed to listen to presence collection: %w", err)
	}
	docs, err := first.Documents.GetAll()
	if err != nil {
		it.Stop()
		return nil, fmt.Errorf("failed to read presence snapshot: %w", err)
	}

	out := make(chan []Record, 1)
	out <- r.decode(docs)

	reaper := r.clock.TickerFunc(ctx, r.heartbeat, func() error {
		if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Presence reap failed.")
		}
		return nil
	}, "presence", "reap")

	go func() {
		defer close(out)
		defer func() { _ = reaper.Wait() }()
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					r.logger.Error().Err(err).Msg("Presence snapshot listener failed.")
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				r.logger.Warn().Err(err).Msg("Failed to read presence snapshot.")
				continue
			}
			offerLatest(out, r.decode(docs))
		}
	}()
	return out, nil
}

// Close ends every connection state subscription. The Firestore client's
// lifecycle is managed externally.
func (r *FirestoreRegistry) Close() error {
	r.beats.stop()
	return nil
}
