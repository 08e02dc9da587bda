package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

const (
	// TrackSampleRate is the rate of published microphone tracks.
	TrackSampleRate = 48000
	// trackFrameSamples is 20ms at TrackSampleRate.
	trackFrameSamples = 960
)

// SampleWriter accepts 48kHz mono PCM frames.
type SampleWriter interface {
	WriteSample(sample []int16) error
}

// SampleWriterFunc adapts a function, typically a PCM track's WriteSample.
type SampleWriterFunc func(sample []int16) error

func (f SampleWriterFunc) WriteSample(sample []int16) error {
	return f(sample)
}

// MicPublisher forwards captured frames to a published audio track. It
// converts float frames to int16, resamples to 48kHz and writes whole 20ms
// frames. Capture never blocks on it: frames are dropped when the writer
// falls behind.
type MicPublisher struct {
	sid     string
	writer  SampleWriter
	rate    int
	resamp  *pcmResampler
	frames  chan []int16
	closeFn func() error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	firstWriteLogged bool
}

// NewMicPublisher starts forwarding frames at captureRate to w. closeFn runs
// once on Close, after the forwarding loop has stopped.
func NewMicPublisher(sid string, w SampleWriter, captureRate int, closeFn func() error) (*MicPublisher, error) {
	if captureRate <= 0 {
		captureRate = TrackSampleRate
	}
	m := &MicPublisher{
		sid:     sid,
		writer:  w,
		rate:    captureRate,
		frames:  make(chan []int16, 32),
		closeFn: closeFn,
	}
	if captureRate != TrackSampleRate {
		r, err := newPCMResampler(captureRate, TrackSampleRate)
		if err != nil {
			return nil, err
		}
		m.resamp = r
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.forward()
	return m, nil
}

func (m *MicPublisher) SID() string {
	return m.sid
}

// OnFrame implements audio.Tap.
func (m *MicPublisher) OnFrame(f audio.Frame) {
	if m.ctx.Err() != nil || len(f.Samples) == 0 {
		return
	}
	pcm := make([]int16, len(f.Samples))
	for i, s := range f.Samples {
		pcm[i] = audio.FloatToPCM16(s)
	}
	select {
	case m.frames <- pcm:
	default:
		logging.Debug(logging.CategoryLiveKit, "microphone track behind, dropping frame")
	}
}

func (m *MicPublisher) forward() {
	defer m.wg.Done()

	hold := make([]int16, 0, trackFrameSamples*2)
	for {
		select {
		case <-m.ctx.Done():
			return
		case pcm := <-m.frames:
			if m.resamp != nil {
				out, err := m.resamp.Resample(pcm)
				if err != nil {
					logging.Error(logging.CategoryLiveKit, "failed to resample microphone audio: %v", err)
					continue
				}
				pcm = out
			}
			hold = append(hold, pcm...)
			off := 0
			for len(hold)-off >= trackFrameSamples {
				frame := make([]int16, trackFrameSamples)
				copy(frame, hold[off:])
				off += trackFrameSamples
				if err := m.writer.WriteSample(frame); err != nil {
					if strings.Contains(strings.ToLower(err.Error()), "closed") {
						logging.Info(logging.CategoryLiveKit, "microphone track closed, stopping: %v", err)
						return
					}
					logging.Error(logging.CategoryLiveKit, "failed to write sample: %v", err)
				} else if !m.firstWriteLogged {
					m.firstWriteLogged = true
					logging.Info(logging.CategoryLiveKit, "wrote first microphone sample sid=%s", m.sid)
				}
			}
			hold = append(hold[:0], hold[off:]...)
		}
	}
}

// Close stops forwarding and releases the track.
func (m *MicPublisher) Close() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		var errs []error
		if m.resamp != nil {
			errs = append(errs, m.resamp.Close())
		}
		if m.closeFn != nil {
			errs = append(errs, m.closeFn())
		}
		err = errors.Join(errs...)
	})
	return err
}
