package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Device is a mono audio capture source.
type Device interface {
	// Open acquires the device. Errors are reported as *DeviceError.
	Open(ctx context.Context) error
	// ReadFrame blocks for the next frame. io.EOF marks the end of the stream.
	ReadFrame(ctx context.Context) (Frame, error)
	SampleRate() int
	Close() error
}

// PCMDevice reads raw little-endian PCM16 mono audio from a file or stdin
// ("-"), e.g. piped from arecord or ffmpeg.
//
// Reads happen on a helper goroutine so ReadFrame honours its context and
// Close returns even when the reader cannot be closed, as with stdin. A read
// that is still blocked at Close is abandoned.
type PCMDevice struct {
	Path          string
	Rate          int
	FrameDuration time.Duration

	mu     sync.Mutex
	reader io.Reader
	closer io.Closer
	frames chan pcmRead
	stop   chan struct{}
}

type pcmRead struct {
	frame Frame
	err   error
}

// NewPCMDevice creates a PCM device reading from path.
func NewPCMDevice(path string, rate int, frameDuration time.Duration) *PCMDevice {
	return &PCMDevice{Path: path, Rate: rate, FrameDuration: frameDuration}
}

// NewPCMReaderDevice creates a PCM device over an already open reader.
func NewPCMReaderDevice(r io.Reader, rate int, frameDuration time.Duration) *PCMDevice {
	d := &PCMDevice{Rate: rate, FrameDuration: frameDuration, reader: r}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d
}

func (d *PCMDevice) SampleRate() int { return d.Rate }

func (d *PCMDevice) Open(ctx context.Context) error {
	if d.Rate <= 0 {
		return &DeviceError{Op: "open", Err: fmt.Errorf("invalid sample rate %d", d.Rate)}
	}
	if d.FrameDuration <= 0 {
		d.FrameDuration = 20 * time.Millisecond
	}
	frameSamples := int(int64(d.Rate) * int64(d.FrameDuration) / int64(time.Second))
	if frameSamples < 1 {
		frameSamples = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames != nil {
		return &DeviceError{Op: "open", Err: errors.New("device already open")}
	}
	if d.reader == nil {
		if d.Path == "" || d.Path == "-" {
			// stdin is owned by the process and never closed here
			d.reader = os.Stdin
		} else {
			f, err := os.Open(d.Path)
			if err != nil {
				return &DeviceError{Op: "open", Err: err}
			}
			d.reader = f
			d.closer = f
		}
	}

	d.frames = make(chan pcmRead)
	d.stop = make(chan struct{})
	go d.readLoop(d.reader, make([]byte, frameSamples*2), d.frames, d.stop)
	return nil
}

func (d *PCMDevice) readLoop(r io.Reader, buf []byte, out chan<- pcmRead, stop <-chan struct{}) {
	defer close(out)
	for {
		frame, err := d.readFull(r, buf)
		select {
		case out <- pcmRead{frame: frame, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *PCMDevice) readFull(r io.Reader, buf []byte) (Frame, error) {
	n, err := io.ReadFull(r, buf)
	n -= n % 2
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, &DeviceError{Op: "read", Err: err}
	}

	samples := make([]float32, n/2)
	for i := range samples {
		samples[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	// A short trailing read is delivered; the next call reports io.EOF.
	return Frame{Samples: samples, SampleRate: d.Rate, CapturedAt: time.Now()}, nil
}

func (d *PCMDevice) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	d.mu.Lock()
	frames, stop := d.frames, d.stop
	d.mu.Unlock()
	if frames == nil {
		return Frame{}, &DeviceError{Op: "read", Err: errors.New("device not open")}
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-stop:
		return Frame{}, &DeviceError{Op: "read", Err: errors.New("device closed")}
	case res, ok := <-frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return res.frame, res.err
	}
}

func (d *PCMDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		select {
		case <-d.stop:
		default:
			close(d.stop)
		}
	}
	c := d.closer
	d.closer = nil
	d.reader = nil
	if c == nil {
		return nil
	}
	return c.Close()
}

// WAVFileDevice replays a mono PCM16 WAV file as a capture stream.
// With Realtime set, frames are paced at the frame duration.
type WAVFileDevice struct {
	Path          string
	FrameDuration time.Duration
	Realtime      bool

	mu      sync.Mutex
	samples []float32
	rate    int
	pos     int
	ticker  *time.Ticker
}

// NewWAVFileDevice creates a device replaying the WAV file at path.
func NewWAVFileDevice(path string, frameDuration time.Duration, realtime bool) *WAVFileDevice {
	return &WAVFileDevice{Path: path, FrameDuration: frameDuration, Realtime: realtime}
}

func (d *WAVFileDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

func (d *WAVFileDevice) Open(ctx context.Context) error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return &DeviceError{Op: "open", Err: err}
	}
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return &DeviceError{Op: "open", Err: err}
	}
	if d.FrameDuration <= 0 {
		d.FrameDuration = 20 * time.Millisecond
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = samples
	d.rate = rate
	d.pos = 0
	if d.Realtime {
		d.ticker = time.NewTicker(d.FrameDuration)
	}
	return nil
}

func (d *WAVFileDevice) ReadFrame(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	ticker := d.ticker
	d.mu.Unlock()
	if ticker != nil {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.samples == nil {
		return Frame{}, &DeviceError{Op: "read", Err: errors.New("device not open")}
	}
	if d.pos >= len(d.samples) {
		return Frame{}, io.EOF
	}
	n := int(int64(d.rate) * int64(d.FrameDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	end := d.pos + n
	if end > len(d.samples) {
		end = len(d.samples)
	}
	out := make([]float32, end-d.pos)
	copy(out, d.samples[d.pos:end])
	d.pos = end
	return Frame{Samples: out, SampleRate: d.rate, CapturedAt: time.Now()}, nil
}

func (d *WAVFileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	d.samples = nil
	return nil
}
