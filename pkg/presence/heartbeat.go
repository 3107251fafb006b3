package presence

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// heartbeat runs one refresh loop per registry, however many sessions watch
// its connection state. The loop starts with the first subscriber and stops
// when the last one leaves.
type heartbeat struct {
	clock    quartz.Clock
	interval time.Duration
	// refresh reports connectivity and refreshes owned leases.
	refresh func(ctx context.Context) bool
	// after runs on every beat once refresh has returned; may be nil.
	after func(ctx context.Context, connected bool)

	mu        sync.Mutex
	subs      map[int]chan bool
	nextID    int
	connected bool
	cancel    context.CancelFunc
	stopped   bool
}

func newHeartbeat(clock quartz.Clock, interval time.Duration, refresh func(context.Context) bool) *heartbeat {
	return &heartbeat{
		clock:    clock,
		interval: interval,
		refresh:  refresh,
		subs:     make(map[int]chan bool),
	}
}

// subscribe delivers the current connectivity, then every change, until ctx
// is done or the heartbeat stops.
func (h *heartbeat) subscribe(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 1)
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	if h.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.connected = h.refresh(loopCtx)
		h.clock.TickerFunc(loopCtx, h.interval, func() error {
			h.beat(loopCtx)
			return nil
		}, "presence", "heartbeat")
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- h.connected
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(id)
	}()
	return ch, nil
}

func (h *heartbeat) beat(loopCtx context.Context) {
	connected := h.refresh(loopCtx)
	if h.after != nil {
		h.after(loopCtx, connected)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if loopCtx.Err() != nil || connected == h.connected {
		return
	}
	h.connected = connected
	for _, ch := range h.subs {
		offerLatest(ch, connected)
	}
}

func (h *heartbeat) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(ch)
	if len(h.subs) == 0 && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// stop ends the loop and every subscription.
func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}
