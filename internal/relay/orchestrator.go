// Package relay turns incoming transcript events into what a viewer sees
// and hears: the caption, translated for listeners, and synthesized speech.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
	"github.com/LastBotInc/coralie-live-captions/internal/playback"
)

// LanguageFunc resolves the viewer's target language at the time an event
// arrives.
type LanguageFunc func() string

// Options configures an Orchestrator.
type Options struct {
	// Speaker viewers display source text and never translate or speak.
	Speaker     bool
	Language    LanguageFunc
	Translator  boundary.Translator
	Synthesizer boundary.Synthesizer
	Player      playback.Player
	Display     *captions.DisplayState
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
}

// Orchestrator handles caption events for one viewer.
type Orchestrator struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates an orchestrator bound to ctx. Work still running when ctx is
// cancelled or Close is called has no visible effect.
func New(ctx context.Context, opts Options) *Orchestrator {
	if opts.Display == nil {
		opts.Display = captions.NewDisplayState(captions.DefaultTTL, captions.DefaultHistory)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	if opts.Player == nil {
		opts.Player = playback.Discard{}
	}
	if opts.Language == nil {
		opts.Language = func() string { return "en-US" }
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{opts: opts, ctx: ctx, cancel: cancel}
}

// Display returns the viewer's display state.
func (o *Orchestrator) Display() *captions.DisplayState {
	return o.opts.Display
}

// Handle processes one event. It returns once the previous caption has
// been cleared; translation and speech continue in the background.
func (o *Orchestrator) Handle(e captions.Event) {
	if o.closed.Load() {
		return
	}
	d := o.opts.Display
	if !d.MarkSeen(e) {
		o.opts.Metrics.RecordCaptionReceived(true)
		logging.Debug(logging.CategoryRelay, "ignoring redelivered caption %s", e.Key())
		return
	}
	o.opts.Metrics.RecordCaptionReceived(false)
	ticket := d.Clear()

	// local echoes are the viewer's own speech
	if o.opts.Speaker || e.IsLocal {
		d.Show(ticket, e, e.Text, e.SourceLanguage, false)
		return
	}

	target := o.opts.Language()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.relay(ticket, e, target)
	}()
}

func (o *Orchestrator) relay(ticket captions.Ticket, e captions.Event, target string) {
	text, translated := o.translate(e, target)
	if o.stale() {
		return
	}
	language := target
	if !translated {
		language = e.SourceLanguage
	}
	if !o.opts.Display.Show(ticket, e, text, language, translated) {
		logging.Debug(logging.CategoryRelay, "caption superseded before display")
		return
	}

	if o.opts.Synthesizer == nil {
		return
	}
	audio, err := o.opts.Synthesizer.Synthesize(o.ctx, text, target)
	if o.stale() {
		return
	}
	if err != nil {
		o.opts.Metrics.RecordSpeech(true)
		if !errors.Is(err, boundary.ErrEmptyResult) {
			logging.Warning(logging.CategoryRelay, "speech synthesis failed: %v", err)
			o.opts.Notifier.Notify(notify.New(notify.KindNetwork, "Translated speech is temporarily unavailable"))
		}
		return
	}
	o.opts.Metrics.RecordSpeech(false)

	if err := o.opts.Player.Play(o.ctx, audio); err != nil && !o.stale() {
		o.opts.Metrics.RecordSpeech(true)
		logging.Warning(logging.CategoryPlayback, "failed to play speech: %v", err)
	}
}

// translate returns the text to display and whether it is a translation.
// Any failure falls back to the source text.
func (o *Orchestrator) translate(e captions.Event, target string) (string, bool) {
	if o.opts.Translator == nil || target == "" {
		return e.Text, false
	}
	out, err := o.opts.Translator.Translate(o.ctx, e.Text, target, boundary.AutoDetect)
	if err != nil {
		if o.stale() {
			return e.Text, false
		}
		o.opts.Metrics.RecordTranslationFailure()
		logging.Warning(logging.CategoryRelay, "translation to %s failed, showing source text: %v", target, err)
		if !errors.Is(err, boundary.ErrEmptyResult) {
			o.opts.Notifier.Notify(notify.New(notify.KindNetwork, "Translation unavailable, showing original captions"))
		}
		return e.Text, false
	}
	return out, true
}

func (o *Orchestrator) stale() bool {
	return o.closed.Load() || o.ctx.Err() != nil
}

// Close cancels outstanding work and freezes the display.
func (o *Orchestrator) Close() {
	if o.closed.Swap(true) {
		return
	}
	o.cancel()
	o.opts.Display.Close()
}

// Wait blocks until background work has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
