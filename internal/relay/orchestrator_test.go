package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
)

type translateCall struct {
	text, target, source string
}

type fakeTranslator struct {
	mu     sync.Mutex
	calls  []translateCall
	result map[string]string
	err    error
	// block holds calls for the given text until the channel is closed.
	block map[string]chan struct{}
}

func (f *fakeTranslator) Translate(ctx context.Context, text, target, source string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, translateCall{text, target, source})
	wait := f.block[text]
	f.mu.Unlock()
	if wait != nil {
		<-wait
	}
	if f.err != nil {
		return "", f.err
	}
	return f.result[text], nil
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type speechCall struct {
	text, language string
}

type fakeSynth struct {
	mu    sync.Mutex
	calls []speechCall
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, speechCall{text, language})
	if f.err != nil {
		return nil, f.err
	}
	return []byte("audio:" + text), nil
}

func (f *fakeSynth) all() []speechCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]speechCall(nil), f.calls...)
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, string(audio))
	return nil
}

func (p *fakePlayer) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func newListener(tr boundary.Translator, synth boundary.Synthesizer, player *fakePlayer, lang string) *Orchestrator {
	return New(context.Background(), Options{
		Language:    func() string { return lang },
		Translator:  tr,
		Synthesizer: synth,
		Player:      player,
		Display:     captions.NewDisplayState(time.Hour, 5),
	})
}

func currentText(o *Orchestrator) string {
	if c := o.Display().Snapshot().Current; c != nil {
		return c.Text
	}
	return ""
}

func TestListenerTranslatesDisplaysAndSpeaks(t *testing.T) {
	tr := &fakeTranslator{result: map[string]string{"hello": "hola"}}
	synth := &fakeSynth{}
	player := &fakePlayer{}
	o := newListener(tr, synth, player, "es-ES")
	defer o.Close()

	o.Handle(captions.NewEvent("room", "speaker", "hello", "en-US"))
	o.Wait()

	if len(tr.calls) != 1 || tr.calls[0] != (translateCall{"hello", "es-ES", "auto"}) {
		t.Fatalf("Unexpected translation calls %+v", tr.calls)
	}
	if got := currentText(o); got != "hola" {
		t.Errorf("Expected displayed hola, got %q", got)
	}
	calls := synth.all()
	if len(calls) != 1 || calls[0] != (speechCall{"hola", "es-ES"}) {
		t.Errorf("Unexpected speech calls %+v", calls)
	}
	if played := player.all(); len(played) != 1 || played[0] != "audio:hola" {
		t.Errorf("Unexpected playback %v", played)
	}
}

func TestTranslationFailureShowsSource(t *testing.T) {
	tr := &fakeTranslator{err: &boundary.NetworkError{Service: "translation", Err: errors.New("down")}}
	synth := &fakeSynth{}
	o := newListener(tr, synth, &fakePlayer{}, "es-ES")
	defer o.Close()

	o.Handle(captions.NewEvent("room", "speaker", "hello", "en-US"))
	o.Wait()

	if got := currentText(o); got != "hello" {
		t.Errorf("Expected source text fallback, got %q", got)
	}
	cur := o.Display().Snapshot().Current
	if cur == nil || cur.Translated {
		t.Errorf("Fallback caption must not be marked translated: %+v", cur)
	}
	if calls := synth.all(); len(calls) != 1 || calls[0].text != "hello" {
		t.Errorf("Expected speech for the displayed text, got %+v", calls)
	}
}

func TestSpeakerSkipsTranslationAndSpeech(t *testing.T) {
	tr := &fakeTranslator{}
	synth := &fakeSynth{}
	player := &fakePlayer{}
	o := New(context.Background(), Options{
		Speaker:     true,
		Translator:  tr,
		Synthesizer: synth,
		Player:      player,
	})
	defer o.Close()

	e := captions.NewEvent("room", "speaker", "hello", "en-US")
	e.IsLocal = true
	o.Handle(e)
	o.Wait()

	if got := currentText(o); got != "hello" {
		t.Errorf("Expected source text, got %q", got)
	}
	if tr.callCount() != 0 || len(synth.all()) != 0 || len(player.all()) != 0 {
		t.Error("Speaker must not translate, synthesize or play")
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	tr := &fakeTranslator{result: map[string]string{"hello": "hola"}}
	synth := &fakeSynth{}
	o := newListener(tr, synth, &fakePlayer{}, "es-ES")
	defer o.Close()

	e := captions.NewEvent("room", "speaker", "hello", "en-US")
	o.Handle(e)
	o.Wait()
	o.Handle(e)
	o.Wait()

	if tr.callCount() != 1 || len(synth.all()) != 1 {
		t.Errorf("Redelivery triggered extra work: %d translations, %d speech", tr.callCount(), len(synth.all()))
	}
	if n := len(o.Display().Snapshot().History); n != 1 {
		t.Errorf("Expected one history entry, got %d", n)
	}
	if got := currentText(o); got != "hola" {
		t.Errorf("Redelivery must not clear the caption, got %q", got)
	}
}

func TestNewestEventWins(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTranslator{
		result: map[string]string{"first": "primero", "second": "segundo"},
		block:  map[string]chan struct{}{"first": release},
	}
	synth := &fakeSynth{}
	o := newListener(tr, synth, &fakePlayer{}, "es-ES")
	defer o.Close()

	o.Handle(captions.NewEvent("room", "speaker", "first", "en-US"))
	o.Handle(captions.NewEvent("room", "speaker", "second", "en-US"))

	deadline := time.Now().Add(2 * time.Second)
	for currentText(o) != "segundo" {
		if time.Now().After(deadline) {
			t.Fatal("second caption was not displayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	o.Wait()

	if got := currentText(o); got != "segundo" {
		t.Errorf("Stale translation replaced newer caption: %q", got)
	}
	if calls := synth.all(); len(calls) != 1 || calls[0].text != "segundo" {
		t.Errorf("Expected speech only for the newest caption, got %+v", calls)
	}
}

func TestCloseDiscardsInFlightWork(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTranslator{
		result: map[string]string{"hello": "hola"},
		block:  map[string]chan struct{}{"hello": release},
	}
	synth := &fakeSynth{}
	o := newListener(tr, synth, &fakePlayer{}, "es-ES")

	o.Handle(captions.NewEvent("room", "speaker", "hello", "en-US"))
	for tr.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	o.Close()
	close(release)
	o.Wait()

	if got := currentText(o); got != "" {
		t.Errorf("Caption updated after close: %q", got)
	}
	if len(synth.all()) != 0 {
		t.Error("Speech requested after close")
	}
}

func TestListenerShowsLocalEchoUntranslated(t *testing.T) {
	tr := &fakeTranslator{result: map[string]string{"hola": "hello"}}
	synth := &fakeSynth{}
	player := &fakePlayer{}
	o := newListener(tr, synth, player, "en-US")
	defer o.Close()

	e := captions.NewEvent("room", "bob", "hola", "es-ES")
	e.IsLocal = true
	o.Handle(e)
	o.Wait()

	if got := currentText(o); got != "hola" {
		t.Errorf("Expected local caption in source language, got %q", got)
	}
	if tr.callCount() != 0 || len(synth.all()) != 0 || len(player.all()) != 0 {
		t.Error("Local captions must not be translated, synthesized or played")
	}
}
