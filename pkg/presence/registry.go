package presence

import (
	"context"
	"io"
)

// Session is one client's connection to the realtime registry. It is what
// the Tracker needs: a connectivity signal, a deferred write that the
// registry applies when the connection is lost, and direct writes.
type Session interface {
	// ConnectionState streams this client's connectivity. The current state is
	// delivered first; intermediate states may be coalesced. The channel is
	// closed when ctx is done or the session is closed.
	ConnectionState(ctx context.Context) (<-chan bool, error)
	// ArmOffline queues an offline write for rec's identity that the registry
	// performs once this connection is lost, even ungracefully.
	ArmOffline(ctx context.Context, rec Record) error
	// MarkOnline writes rec as online, stamped with the registry's time.
	MarkOnline(ctx context.Context, rec Record) error
	// MarkOffline writes rec as offline immediately.
	MarkOffline(ctx context.Context, rec Record) error
}

// Directory is read access to the whole registry.
type Directory interface {
	// Snapshot returns every record currently in the registry.
	Snapshot(ctx context.Context) ([]Record, error)
	// Watch pushes the full record set on every change. The current set is
	// delivered first; intermediate sets may be coalesced. The channel is
	// closed when ctx is done.
	Watch(ctx context.Context) (<-chan []Record, error)
}

// Registry is a realtime registry backend.
type Registry interface {
	Session
	Directory
	io.Closer
}

// offerLatest delivers v on a buffered channel of capacity one, replacing any
// value the consumer has not read yet. It never blocks. Callers serialise
// their offers on a given channel.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
