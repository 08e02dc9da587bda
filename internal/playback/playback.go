// Package playback decodes synthesized speech and plays it.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/wav"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// Player plays one encoded speech clip and returns when it has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Output renders decoded audio.
type Output interface {
	Play(ctx context.Context, s beep.Streamer, format beep.Format) error
}

// Decode reads a WAV or MP3 clip into memory.
func Decode(data []byte) (*beep.Buffer, error) {
	if len(data) == 0 {
		return nil, errors.New("empty audio")
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode speech audio: %w", err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("failed to read speech audio: %w", err)
	}
	return buf, nil
}

// DecodingPlayer decodes clips and plays them. A newer clip cuts off the
// one playing, so speech always follows the latest caption.
type DecodingPlayer struct {
	out Output

	mu   sync.Mutex
	gen  uint64
	stop context.CancelFunc

	// playing serializes output so a cut-off clip is cleared before the
	// next one starts
	playing sync.Mutex
}

// NewDecodingPlayer creates a player rendering to out.
func NewDecodingPlayer(out Output) *DecodingPlayer {
	return &DecodingPlayer{out: out}
}

// Play returns nil when the clip is cut off by a newer one.
func (p *DecodingPlayer) Play(ctx context.Context, audio []byte) error {
	buf, err := Decode(audio)
	if err != nil {
		return err
	}

	playCtx, stop := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stop != nil {
		p.stop()
	}
	p.gen++
	gen := p.gen
	p.stop = stop
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.gen == gen {
			p.stop = nil
		}
		p.mu.Unlock()
		stop()
	}()

	p.playing.Lock()
	defer p.playing.Unlock()
	if err := playCtx.Err(); err != nil {
		return p.interrupted(ctx)
	}
	logging.Debug(logging.CategoryPlayback, "playing %v of speech", buf.Format().SampleRate.D(buf.Len()))
	if err := p.out.Play(playCtx, buf.Streamer(0, buf.Len()), buf.Format()); err != nil {
		if playCtx.Err() != nil {
			return p.interrupted(ctx)
		}
		return err
	}
	return nil
}

func (p *DecodingPlayer) interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logging.Debug(logging.CategoryPlayback, "speech cut off by a newer clip")
	return nil
}

// SpeakerOutput plays through the system audio device at a fixed rate.
type SpeakerOutput struct {
	rate     beep.SampleRate
	initOnce sync.Once
	initErr  error
}

// NewSpeakerOutput creates an output; the device is opened on first use.
func NewSpeakerOutput(sampleRate int) *SpeakerOutput {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &SpeakerOutput{rate: beep.SampleRate(sampleRate)}
}

func (o *SpeakerOutput) Play(ctx context.Context, s beep.Streamer, format beep.Format) error {
	o.initOnce.Do(func() {
		o.initErr = speaker.Init(o.rate, o.rate.N(100*time.Millisecond))
	})
	if o.initErr != nil {
		return fmt.Errorf("failed to open audio output: %w", o.initErr)
	}

	if format.SampleRate != o.rate {
		s = beep.Resample(4, format.SampleRate, o.rate, s)
	}
	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// Discard drops audio. Used when playback is disabled.
type Discard struct{}

func (Discard) Play(context.Context, []byte) error { return nil }
