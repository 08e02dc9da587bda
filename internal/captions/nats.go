package captions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// SubjectPrefix prefixes the per-room NATS caption subject.
const SubjectPrefix = "captions."

// NATSBus runs the caption bus over a NATS subject per room. NATS echoes
// messages to the publishing connection, so the echo is marked local by
// comparing the sender with this participant.
type NATSBus struct {
	nc          *nats.Conn
	sub         *nats.Subscription
	roomID      string
	participant string
	subject     string
	fanout      *fanout
	ownsConn    bool
}

// ConnectNATS dials the server and joins the room's caption subject.
func ConnectNATS(natsURL, roomID, participantID string) (*NATSBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("coralie-live-captions"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warning(logging.CategoryCaptions, "NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logging.Info(logging.CategoryCaptions, "NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b, err := NewNATSBus(nc, roomID, participantID)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// NewNATSBus joins the room's caption subject on an existing connection.
func NewNATSBus(nc *nats.Conn, roomID, participantID string) (*NATSBus, error) {
	b := &NATSBus{
		nc:          nc,
		roomID:      roomID,
		participant: participantID,
		subject:     SubjectPrefix + roomID,
		fanout:      newFanout(),
	}
	sub, err := nc.Subscribe(b.subject, b.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) handleMsg(msg *nats.Msg) {
	e, err := Decode(msg.Data, b.roomID)
	if err != nil {
		if !errors.Is(err, ErrNotCaption) {
			logging.Warning(logging.CategoryCaptions, "dropping malformed caption on %s: %v", msg.Subject, err)
		}
		return
	}
	e.IsLocal = e.ParticipantID == b.participant
	b.fanout.deliver(e)
}

func (b *NATSBus) Publish(_ context.Context, e Event) error {
	e.RoomID = b.roomID
	e.IsLocal = false
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("failed to publish caption: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(h Handler) func() {
	return b.fanout.subscribe(h)
}

func (b *NATSBus) Close() error {
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
		b.sub = nil
	}
	b.fanout.close()
	if b.ownsConn {
		if derr := b.nc.Drain(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}
