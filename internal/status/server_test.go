package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
)

func newTestServer(t *testing.T) (*httptest.Server, *captions.DisplayState, *Hub, *atomic.Int32) {
	t.Helper()
	display := captions.NewDisplayState(time.Hour, 5)
	hub := NewHub()
	display.Observe(hub.OnSnapshot)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordCaptionPublished()

	retries := &atomic.Int32{}
	srv := NewServer(Options{
		Display:  display,
		Hub:      hub,
		State:    func() string { return "subscribing" },
		Retry:    func() { retries.Add(1) },
		Gatherer: reg,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, display, hub, retries
}

func show(d *captions.DisplayState, text string) {
	e := captions.NewEvent("room", "alice", text, "en-US")
	d.Show(d.Clear(), e, text, "en-US", false)
}

func TestHealth(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "ok" || body["session"] != "subscribing" {
		t.Errorf("Unexpected health body %v", body)
	}
}

func TestCaptionsSnapshot(t *testing.T) {
	ts, display, _, _ := newTestServer(t)
	show(display, "hello")

	resp, err := http.Get(ts.URL + "/captions")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var snap captions.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Current == nil || snap.Current.Text != "hello" || len(snap.History) != 1 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestRetry(t *testing.T) {
	ts, _, _, retries := newTestServer(t)
	resp, err := http.Post(ts.URL+"/session/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || retries.Load() != 1 {
		t.Errorf("Expected accepted retry, got %d with %d retries", resp.StatusCode, retries.Load())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "captions_published_total") {
		t.Errorf("Expected caption metrics, got:\n%s", body)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return m
}

func TestFeedStreamsCaptionsAndNotifications(t *testing.T) {
	ts, display, hub, _ := newTestServer(t)
	show(display, "first")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/captions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	initial := readMessage(t, conn)
	if initial.Type != "captions" || initial.Captions.Current == nil || initial.Captions.Current.Text != "first" {
		t.Fatalf("Unexpected initial message %+v", initial)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	show(display, "second")
	// Clear and Show each produce a snapshot
	var got Message
	for i := 0; i < 2; i++ {
		got = readMessage(t, conn)
	}
	if got.Captions == nil || got.Captions.Current == nil || got.Captions.Current.Text != "second" {
		t.Errorf("Expected second caption, got %+v", got)
	}

	hub.Notify(notify.New(notify.KindNetwork, "Translation unavailable"))
	n := readMessage(t, conn)
	if n.Type != "notification" || n.Notification.Kind != notify.KindNetwork {
		t.Errorf("Unexpected notification %+v", n)
	}
}
