package presence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// ErrNotConnected is returned by writes on a session that is currently offline.
var ErrNotConnected = errors.New("presence session is not connected")

// MemoryHub is a thread-safe, in-memory realtime registry shared by any number
// of MemoryConn sessions. It implements deferred offline writes natively and
// is primarily intended for local development and testing.
type MemoryHub struct {
	clock quartz.Clock

	mu       sync.Mutex
	records  map[string]Record
	watchers map[int]chan []Record
	nextID   int
}

// NewMemoryHub creates an empty in-memory registry.
func NewMemoryHub(clock quartz.Clock) *MemoryHub {
	return &MemoryHub{
		clock:    clock,
		records:  make(map[string]Record),
		watchers: make(map[int]chan []Record),
	}
}

// Connect opens a new connected session on the hub.
func (h *MemoryHub) Connect() *MemoryConn {
	return &MemoryConn{
		hub:       h,
		SessionID: uuid.NewString(),
		connected: true,
		wills:     make(map[string]Record),
		stateSubs: make(map[int]chan bool),
	}
}

// Snapshot returns every record, sorted by identity.
func (h *MemoryHub) Snapshot(_ context.Context) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(), nil
}

func (h *MemoryHub) snapshotLocked() []Record {
	out := make([]Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Watch pushes the record set on every write.
func (h *MemoryHub) Watch(ctx context.Context) (<-chan []Record, error) {
	ch := make(chan []Record, 1)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = ch
	ch <- h.snapshotLocked()
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.watchers[id]; ok {
			delete(h.watchers, id)
			close(ch)
		}
	}()
	return ch, nil
}

// putLocked stores rec and notifies watchers.
func (h *MemoryHub) putLocked(rec Record) {
	h.records[rec.Identity] = rec
	h.broadcastLocked()
}

func (h *MemoryHub) broadcastLocked() {
	snap := h.snapshotLocked()
	for _, ch := range h.watchers {
		offerLatest(ch, snap)
	}
}

// Close is a no-op for the in-memory hub.
func (h *MemoryHub) Close() error {
	return nil
}

// MemoryConn is one session on a MemoryHub. Drop simulates an ungraceful
// disconnect: the hub applies every armed offline write on the session's
// behalf.
type MemoryConn struct {
	hub *MemoryHub
	// SessionID identifies this connection.
	SessionID string

	// Guarded by hub.mu.
	connected bool
	closed    bool
	wills     map[string]Record
	stateSubs map[int]chan bool
	nextID    int
}

// ConnectionState streams connectivity changes for this session.
func (c *MemoryConn) ConnectionState(ctx context.Context) (<-chan bool, error) {
	h := c.hub
	ch := make(chan bool, 1)
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = ch
	ch <- c.connected
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := c.stateSubs[id]; ok {
			delete(c.stateSubs, id)
			close(ch)
		}
	}()
	return ch, nil
}

// ArmOffline queues the offline write applied on Drop or Close.
func (c *MemoryConn) ArmOffline(_ context.Context, rec Record) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.wills[rec.Identity] = rec
	return nil
}

// MarkOnline writes rec as online.
func (c *MemoryConn) MarkOnline(_ context.Context, rec Record) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	h.putLocked(rec.online(h.clock.Now()))
	return nil
}

// MarkOffline writes rec as offline.
func (c *MemoryConn) MarkOffline(_ context.Context, rec Record) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	delete(c.wills, rec.Identity)
	h.putLocked(rec.offline(h.clock.Now()))
	return nil
}

// Snapshot reads the hub.
func (c *MemoryConn) Snapshot(ctx context.Context) ([]Record, error) {
	return c.hub.Snapshot(ctx)
}

// Watch watches the hub.
func (c *MemoryConn) Watch(ctx context.Context) (<-chan []Record, error) {
	return c.hub.Watch(ctx)
}

// Drop simulates the connection being lost without any client teardown.
func (c *MemoryConn) Drop() {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c.dropLocked()
}

func (c *MemoryConn) dropLocked() {
	if !c.connected {
		return
	}
	c.connected = false
	now := c.hub.clock.Now()
	for id, will := range c.wills {
		c.hub.records[id] = will.offline(now)
		delete(c.wills, id)
	}
	c.hub.broadcastLocked()
	for _, ch := range c.stateSubs {
		offerLatest(ch, false)
	}
}

// Reconnect restores a dropped connection.
func (c *MemoryConn) Reconnect() {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.connected || c.closed {
		return
	}
	c.connected = true
	for _, ch := range c.stateSubs {
		offerLatest(ch, true)
	}
}

// Connected reports whether the session is currently connected.
func (c *MemoryConn) Connected() bool {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.connected
}

// Close disconnects the session, applying armed writes, and ends every
// connection state stream.
func (c *MemoryConn) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c.dropLocked()
	c.closed = true
	for id, ch := range c.stateSubs {
		delete(c.stateSubs, id)
		close(ch)
	}
	return nil
}
