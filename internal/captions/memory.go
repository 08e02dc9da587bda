package captions

import (
	"context"
	"errors"
	"sync"
)

// MemoryNetwork is an in-process room. Every endpoint receives every
// published event, the sender included, with IsLocal set on the echo.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[*MemoryBus]struct{}
}

// NewMemoryNetwork creates an empty in-process room.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[*MemoryBus]struct{})}
}

// Join returns a Bus for the given participant.
func (n *MemoryNetwork) Join(roomID, participantID string) *MemoryBus {
	b := &MemoryBus{
		network:     n,
		roomID:      roomID,
		participant: participantID,
		fanout:      newFanout(),
	}
	n.mu.Lock()
	n.endpoints[b] = struct{}{}
	n.mu.Unlock()
	return b
}

func (n *MemoryNetwork) broadcast(from *MemoryBus, e Event) {
	n.mu.Lock()
	targets := make([]*MemoryBus, 0, len(n.endpoints))
	for b := range n.endpoints {
		if b.roomID == from.roomID {
			targets = append(targets, b)
		}
	}
	n.mu.Unlock()

	for _, b := range targets {
		ev := e
		ev.IsLocal = b == from
		b.fanout.deliver(ev)
	}
}

func (n *MemoryNetwork) leave(b *MemoryBus) {
	n.mu.Lock()
	delete(n.endpoints, b)
	n.mu.Unlock()
}

// MemoryBus is one participant's endpoint on a MemoryNetwork.
type MemoryBus struct {
	network     *MemoryNetwork
	roomID      string
	participant string
	fanout      *fanout

	mu     sync.Mutex
	closed bool
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("caption bus closed")
	}
	e.RoomID = b.roomID
	b.network.broadcast(b, e)
	return nil
}

func (b *MemoryBus) Subscribe(h Handler) func() {
	return b.fanout.subscribe(h)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.network.leave(b)
	b.fanout.close()
	return nil
}
