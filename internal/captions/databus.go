package captions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// Topic is the data channel topic caption messages are published on.
const Topic = "captions"

// DataPublisher sends reliable data messages to the rest of the room.
type DataPublisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// DataBus runs the caption bus over a room's data channel. The channel does
// not echo to the sender, so Publish delivers a local copy itself.
// Inbound messages are fed through HandleData by the room's event loop.
type DataBus struct {
	roomID string
	pub    DataPublisher
	fanout *fanout

	mu     sync.Mutex
	closed bool
}

// NewDataBus creates a bus publishing through pub.
func NewDataBus(roomID string, pub DataPublisher) *DataBus {
	return &DataBus{roomID: roomID, pub: pub, fanout: newFanout()}
}

func (b *DataBus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("caption bus closed")
	}

	e.RoomID = b.roomID
	e.IsLocal = false
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := b.pub.PublishData(ctx, Topic, payload); err != nil {
		return fmt.Errorf("failed to publish caption: %w", err)
	}

	e.IsLocal = true
	b.fanout.deliver(e)
	return nil
}

// HandleData decodes an inbound data message. Messages on other topics or
// of another type are ignored.
func (b *DataBus) HandleData(topic string, payload []byte) {
	if topic != "" && topic != Topic {
		return
	}
	e, err := Decode(payload, b.roomID)
	if err != nil {
		if !errors.Is(err, ErrNotCaption) {
			logging.Warning(logging.CategoryCaptions, "dropping malformed caption message: %v", err)
		}
		return
	}
	b.fanout.deliver(e)
}

func (b *DataBus) Subscribe(h Handler) func() {
	return b.fanout.subscribe(h)
}

func (b *DataBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.fanout.close()
	return nil
}
