package captions

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_NATSBusFanOut(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	room := "it-" + uuid.NewString()

	speaker, err := ConnectNATS(natsURL, room, "speaker")
	if err != nil {
		t.Fatalf("connect speaker: %v", err)
	}
	defer speaker.Close()
	listener, err := ConnectNATS(natsURL, room, "listener")
	if err != nil {
		t.Fatalf("connect listener: %v", err)
	}
	defer listener.Close()

	sr, lr := newEventRecorder(), newEventRecorder()
	speaker.Subscribe(sr.handle)
	listener.Subscribe(lr.handle)

	if err := speaker.nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := listener.nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := speaker.Publish(context.Background(), NewEvent(room, "speaker", "hello", "en")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if e := sr.next(t); !e.IsLocal {
		t.Errorf("speaker echo should be local: %+v", e)
	}
	if e := lr.next(t); e.IsLocal || e.Text != "hello" || e.RoomID != room {
		t.Errorf("unexpected listener event %+v", e)
	}
}
