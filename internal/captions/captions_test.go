package captions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 16)}
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for caption event")
		return Event{}
	}
}

func TestEncodeWireFormat(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	data, err := Encode(Event{ID: "id-1", ParticipantID: "ana", Text: "hello", SourceLanguage: "en", Timestamp: ts, IsLocal: true})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if m["type"] != "caption" || m["text"] != "hello" || m["language"] != "en" || m["participantName"] != "ana" || m["isLocal"] != true {
		t.Errorf("Unexpected wire message %v", m)
	}
	if m["timestamp"].(float64) != 1700000000123 {
		t.Errorf("Expected millisecond timestamp, got %v", m["timestamp"])
	}

	e, err := Decode(data, "room-1")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if e.IsLocal {
		t.Error("Decode must not trust the sender's isLocal flag")
	}
	if e.RoomID != "room-1" || e.ID != "id-1" || !e.Timestamp.Equal(ts) {
		t.Errorf("Unexpected decoded event %+v", e)
	}
}

func TestDecodeIgnoresOtherTypes(t *testing.T) {
	_, err := Decode([]byte(`{"type":"chat","text":"hi"}`), "r")
	if !errors.Is(err, ErrNotCaption) {
		t.Errorf("Expected ErrNotCaption, got %v", err)
	}
	if _, err := Decode([]byte(`{`), "r"); err == nil || errors.Is(err, ErrNotCaption) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestEventKey(t *testing.T) {
	ts := time.UnixMilli(42)
	a := Event{ParticipantID: "p", Text: "x", Timestamp: ts}
	b := Event{ParticipantID: "p", Text: "x", Timestamp: ts, IsLocal: true}
	if a.Key() != b.Key() {
		t.Error("Identical events without ID must share a key")
	}
	if (Event{ID: "1", Text: "x"}).Key() == (Event{ID: "2", Text: "x"}).Key() {
		t.Error("Events with different IDs must not share a key")
	}
}

func TestMemoryNetworkEchoesLocal(t *testing.T) {
	net := NewMemoryNetwork()
	speaker := net.Join("room", "speaker")
	listener := net.Join("room", "listener")
	other := net.Join("other-room", "x")
	defer speaker.Close()
	defer listener.Close()
	defer other.Close()

	sr, lr, or := newEventRecorder(), newEventRecorder(), newEventRecorder()
	speaker.Subscribe(sr.handle)
	listener.Subscribe(lr.handle)
	other.Subscribe(or.handle)

	if err := speaker.Publish(context.Background(), NewEvent("room", "speaker", "hello", "en")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if e := sr.next(t); !e.IsLocal || e.Text != "hello" {
		t.Errorf("Speaker echo should be local: %+v", e)
	}
	if e := lr.next(t); e.IsLocal {
		t.Errorf("Listener copy must not be local: %+v", e)
	}
	select {
	case e := <-or.ch:
		t.Errorf("Other room received %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionPreservesOrder(t *testing.T) {
	net := NewMemoryNetwork()
	bus := net.Join("room", "a")
	defer bus.Close()
	rec := newEventRecorder()
	unsubscribe := bus.Subscribe(rec.handle)

	for _, text := range []string{"one", "two", "three"} {
		if err := bus.Publish(context.Background(), NewEvent("room", "a", text, "en")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := rec.next(t).Text; got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}

	unsubscribe()
	_ = bus.Publish(context.Background(), NewEvent("room", "a", "four", "en"))
	select {
	case e := <-rec.ch:
		t.Errorf("Unsubscribed handler received %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) PublishData(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestDataBusPublishAndLocalEcho(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewDataBus("room", pub)
	defer bus.Close()
	rec := newEventRecorder()
	bus.Subscribe(rec.handle)

	if err := bus.Publish(context.Background(), NewEvent("room", "speaker", "hello", "en")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != Topic {
		t.Fatalf("Expected one message on %q, got %v", Topic, pub.topics)
	}
	if e := rec.next(t); !e.IsLocal {
		t.Errorf("Local echo should be marked local: %+v", e)
	}

	// A remote copy arriving over the data channel is not local.
	bus.HandleData(Topic, pub.payloads[0])
	if e := rec.next(t); e.IsLocal || e.Text != "hello" {
		t.Errorf("Unexpected remote event %+v", e)
	}

	bus.HandleData("chat", pub.payloads[0])
	bus.HandleData(Topic, []byte(`{"type":"reaction"}`))
	select {
	case e := <-rec.ch:
		t.Errorf("Unexpected delivery %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDataBusPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	bus := NewDataBus("room", pub)
	defer bus.Close()
	rec := newEventRecorder()
	bus.Subscribe(rec.handle)

	if err := bus.Publish(context.Background(), NewEvent("room", "s", "x", "en")); err == nil {
		t.Fatal("Expected publish error")
	}
	select {
	case e := <-rec.ch:
		t.Errorf("Failed publish must not echo: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
