package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
)

// fakeTranscriber records requests and tracks concurrency. When gate is
// set, each call blocks until a value is sent on it.
type fakeTranscriber struct {
	gate   chan struct{}
	result *boundary.TranscriptionResult
	err    error

	mu       sync.Mutex
	requests []boundary.TranscriptionRequest
	ctxs     []context.Context
	active   int32
	peak     int32
	started  chan struct{}
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{started: make(chan struct{}, 16)}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req boundary.TranscriptionRequest) (*boundary.TranscriptionResult, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	f.started <- struct{}{}

	if f.gate != nil {
		<-f.gate
	}
	return f.result, f.err
}

func (f *fakeTranscriber) calls() []boundary.TranscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]boundary.TranscriptionRequest(nil), f.requests...)
}

func chunk(index, total int) audio.Chunk {
	samples := make([]float32, 1600)
	wav, _ := audio.EncodeWAV(samples, 16000)
	return audio.Chunk{Index: index, TotalChunks: total, WAV: wav, SampleRate: 16000, Samples: samples, TargetLanguage: "en-US"}
}

func collect(bus captions.Bus) chan captions.Event {
	ch := make(chan captions.Event, 16)
	bus.Subscribe(func(e captions.Event) { ch <- e })
	return ch
}

func expectNone(t *testing.T, ch chan captions.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("Unexpected caption %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpeakerResultIsBroadcastLocally(t *testing.T) {
	net := captions.NewMemoryNetwork()
	speakerBus := net.Join("room", "speaker-1")
	listenerBus := net.Join("room", "listener-1")
	own, remote := collect(speakerBus), collect(listenerBus)

	tr := newFakeTranscriber()
	tr.result = &boundary.TranscriptionResult{Text: "hello", Language: "en-US", Audio: []byte("b64")}
	d := New(Config{UserID: "speaker-1", RoomID: "room"}, tr, speakerBus, nil, nil)

	if !d.Submit(context.Background(), chunk(0, audio.OpenStream)) {
		t.Fatal("First submission should be accepted")
	}
	d.Wait()

	e := <-own
	if !e.IsLocal || e.Text != "hello" {
		t.Errorf("Expected local echo of hello, got %+v", e)
	}
	if r := <-remote; r.IsLocal || r.Text != "hello" {
		t.Errorf("Expected remote hello, got %+v", r)
	}

	req := tr.calls()[0]
	if req.ChunkIndex != 0 || req.TotalChunks != audio.OpenStream || req.RoomID != "room" || req.UserID != "speaker-1" {
		t.Errorf("Unexpected request %+v", req)
	}
}

func TestBusySubmissionIsDropped(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	tr := newFakeTranscriber()
	tr.gate = make(chan struct{})
	tr.result = &boundary.TranscriptionResult{Text: "x", Audio: []byte("a")}
	d := New(Config{UserID: "s", RoomID: "room"}, tr, bus, nil, nil)

	if !d.Submit(context.Background(), chunk(0, audio.OpenStream)) {
		t.Fatal("First submission should be accepted")
	}
	<-tr.started
	for i := 1; i < 4; i++ {
		if d.Submit(context.Background(), chunk(i, audio.OpenStream)) {
			t.Fatalf("Chunk %d should be dropped while busy", i)
		}
	}
	tr.gate <- struct{}{}
	d.Wait()

	if !d.Submit(context.Background(), chunk(4, audio.OpenStream)) {
		t.Fatal("Permit should be free after completion")
	}
	tr.gate <- struct{}{}
	d.Wait()

	if peak := atomic.LoadInt32(&tr.peak); peak != 1 {
		t.Errorf("Expected at most one concurrent transcription, saw %d", peak)
	}
	calls := tr.calls()
	if len(calls) != 2 || calls[0].ChunkIndex != 0 || calls[1].ChunkIndex != 4 {
		t.Errorf("Unexpected calls %+v", calls)
	}
}

func TestEmptyResultIsIgnored(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	ch := collect(bus)
	tr := newFakeTranscriber()
	tr.err = boundary.ErrEmptyResult

	var notified int32
	n := notify.Func(func(notify.Notification) { atomic.AddInt32(&notified, 1) })
	d := New(Config{UserID: "s", RoomID: "room"}, tr, bus, n, nil)

	d.Submit(context.Background(), chunk(0, audio.OpenStream))
	d.Wait()
	expectNone(t, ch)
	if atomic.LoadInt32(&notified) != 0 {
		t.Error("Empty results must not notify")
	}
}

func TestNetworkFailureNotifiesAndReleasesPermit(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	ch := collect(bus)
	tr := newFakeTranscriber()
	tr.err = &boundary.NetworkError{Service: "transcription", Err: errors.New("connection refused")}

	notes := make(chan notify.Notification, 4)
	d := New(Config{UserID: "s", RoomID: "room"}, tr, bus, notify.Func(func(n notify.Notification) { notes <- n }), nil)

	d.Submit(context.Background(), chunk(0, audio.OpenStream))
	d.Wait()
	select {
	case n := <-notes:
		if n.Kind != notify.KindNetwork {
			t.Errorf("Expected network notification, got %s", n.Kind)
		}
	default:
		t.Fatal("Expected a notification")
	}
	expectNone(t, ch)

	if !d.Submit(context.Background(), chunk(1, audio.OpenStream)) {
		t.Fatal("Permit leaked after failure")
	}
	d.Wait()
	if len(tr.calls()) != 2 {
		t.Errorf("Expected 2 calls with no retries, got %d", len(tr.calls()))
	}
}

func TestLateResponseAfterLeaveIsDiscarded(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	ch := collect(bus)
	tr := newFakeTranscriber()
	tr.gate = make(chan struct{})
	tr.result = &boundary.TranscriptionResult{Text: "late", Audio: []byte("a")}
	d := New(Config{UserID: "s", RoomID: "room"}, tr, bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Submit(ctx, chunk(0, audio.OpenStream))
	<-tr.started

	d.Close()
	cancel()
	tr.gate <- struct{}{}
	d.Wait()

	expectNone(t, ch)
	if d.Submit(context.Background(), chunk(1, audio.OpenStream)) {
		t.Error("Closed dispatcher must not accept chunks")
	}
}

func TestBatchingCombinesChunks(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	tr := newFakeTranscriber()
	tr.result = &boundary.TranscriptionResult{Text: "x", Audio: []byte("a")}
	d := New(Config{UserID: "s", RoomID: "room", BatchSize: DefaultBatchSize}, tr, bus, nil, nil)

	first := chunk(0, audio.OpenStream)
	second := chunk(1, audio.OpenStream)
	second.OverlapSamples = 400
	third := chunk(2, audio.OpenStream)
	third.OverlapSamples = 400

	if d.Submit(context.Background(), first) || d.Submit(context.Background(), second) {
		t.Fatal("Partial batch must not be submitted")
	}
	if !d.Submit(context.Background(), third) {
		t.Fatal("Full batch should be submitted")
	}
	d.Wait()

	// Stream end flushes a partial batch.
	if !d.Submit(context.Background(), chunk(3, 4)) {
		t.Fatal("Final chunk should flush the batch")
	}
	d.Wait()

	calls := tr.calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 batched submissions, got %d", len(calls))
	}
	samples, _, err := audio.DecodeWAV(calls[0].WAV)
	if err != nil {
		t.Fatalf("batch WAV invalid: %v", err)
	}
	if want := 1600 + 1200 + 1200; len(samples) != want {
		t.Errorf("Expected %d combined samples without overlap, got %d", want, len(samples))
	}
	if calls[0].ChunkIndex != 0 || calls[0].TotalChunks != audio.OpenStream {
		t.Errorf("Unexpected first batch indices %+v", calls[0])
	}
	if calls[1].ChunkIndex != 1 || calls[1].TotalChunks != 2 {
		t.Errorf("Unexpected final batch indices index=%d total=%d", calls[1].ChunkIndex, calls[1].TotalChunks)
	}
}

func TestFinalChunkOutlivesSessionContext(t *testing.T) {
	bus := captions.NewMemoryNetwork().Join("room", "s")
	ch := collect(bus)
	tr := newFakeTranscriber()
	tr.gate = make(chan struct{})
	tr.result = &boundary.TranscriptionResult{Text: "bye", Audio: []byte("a")}
	d := New(Config{UserID: "s", RoomID: "room"}, tr, bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if !d.Submit(ctx, chunk(4, 5)) {
		t.Fatal("Expected the final chunk to be submitted")
	}
	<-tr.started

	// leave cancels the session context right after capture flushes
	cancel()
	d.Close()

	tr.mu.Lock()
	reqCtx := tr.ctxs[0]
	tr.mu.Unlock()
	if err := reqCtx.Err(); err != nil {
		t.Errorf("Final request was aborted by leave: %v", err)
	}
	if _, ok := reqCtx.Deadline(); !ok {
		t.Error("Expected the final request to be bounded by a deadline")
	}

	tr.gate <- struct{}{}
	d.Wait()
	if err := reqCtx.Err(); err == nil {
		t.Error("Expected the final request context to be released")
	}
	expectNone(t, ch)
}
