package room

import (
	"context"
	"sync"

	pubsubport "github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
)

// Registry is the process-wide index of room handles. Per §5 it is
// protected only by a short-lived mutex used for the get-or-create /
// release bookkeeping; the mutex is never held across a network call.
type Registry struct {
	bus   pubsubport.Bus
	coord *Coordinator

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry constructs a Registry. coord is shared across all handles it
// creates.
func NewRegistry(bus pubsubport.Bus, coord *Coordinator) *Registry {
	return &Registry{
		bus:     bus,
		coord:   coord,
		handles: make(map[string]*Handle),
	}
}

// GetOrCreate returns the existing handle for roomID, or subscribes a new
// one if this is the first local attachment for that room.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[roomID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	h, err := NewHandle(ctx, roomID, r.bus, r.coord)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.handles[roomID]; ok {
		// Lost the race to a concurrent GetOrCreate; keep the winner, discard ours.
		r.mu.Unlock()
		h.Close()
		return existing, nil
	}
	r.handles[roomID] = h
	r.mu.Unlock()
	return h, nil
}

// Lookup returns the handle for roomID without creating one.
func (r *Registry) Lookup(roomID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[roomID]
	return h, ok
}

// ReleaseIfEmpty closes and removes the handle for roomID if it has no
// locally-attached sinks left. Runners call this after Detach; it is a
// no-op if another local runner attached in the meantime.
func (r *Registry) ReleaseIfEmpty(roomID string) {
	r.mu.Lock()
	h, ok := r.handles[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if h.LocalSinkCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.handles, roomID)
	r.mu.Unlock()
	h.Close()
}

// Count reports how many rooms currently have a handle in this process.
// Exposed for tests and metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
