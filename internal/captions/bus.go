package captions

import (
	"context"
	"sync"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// Handler consumes delivered events.
type Handler func(Event)

// Bus is a real-time fan-out channel for transcript events.
type Bus interface {
	// Publish sends the event to every room member.
	Publish(ctx context.Context, e Event) error
	// Subscribe registers a handler. Events reach each handler in arrival
	// order. The returned func removes the subscription.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

const subscriptionBuffer = 64

type subscription struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// fanout delivers events to subscribers, one goroutine per subscription so
// a slow handler does not reorder or stall the others.
type fanout struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*subscription]struct{})}
}

func (f *fanout) subscribe(h Handler) func() {
	sub := &subscription{
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case e := <-sub.ch:
				h(e)
			}
		}
	}()

	return func() {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
		sub.stop()
	}
}

func (f *fanout) deliver(e Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		case <-sub.done:
		default:
			logging.Warning(logging.CategoryCaptions, "caption subscriber is falling behind, waiting")
			select {
			case sub.ch <- e:
			case <-sub.done:
			}
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.closed = true
	f.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}
