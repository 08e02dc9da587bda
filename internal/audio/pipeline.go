package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
)

// ChunkHandler receives each emitted chunk on the capture goroutine, in
// index order. It must not block for long.
type ChunkHandler func(Chunk)

// NoOverlap disables the overlap carried between chunks.
const NoOverlap time.Duration = -1

// PipelineConfig configures chunking.
type PipelineConfig struct {
	Window           time.Duration // source audio per chunk, default 2s
	Overlap          time.Duration // tail carried into the next chunk, default 500ms, NoOverlap for none
	TargetSampleRate int           // encoded rate, default 16000
	TargetLanguage   string
}

func (c *PipelineConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
	switch {
	case c.Overlap == 0:
		c.Overlap = 500 * time.Millisecond
	case c.Overlap < 0:
		c.Overlap = 0
	}
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = 16000
	}
}

// Pipeline captures frames from a Device and emits overlapping WAV chunks.
// A Pipeline is single-use: Start once, Stop any number of times.
type Pipeline struct {
	cfg     PipelineConfig
	onChunk ChunkHandler
	tap     Tap
	metrics *metrics.Metrics

	mu         sync.Mutex
	buffer     []float32 // source-rate samples since the last emission
	sourceRate int
	overlap    []float32 // target-rate tail of the last emitted audio
	nextIndex  int
	started    bool

	device   Device
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// NewPipeline creates a capture pipeline. tap and m may be nil.
func NewPipeline(cfg PipelineConfig, onChunk ChunkHandler, tap Tap, m *metrics.Metrics) *Pipeline {
	cfg.applyDefaults()
	if tap == nil {
		tap = NoopTap{}
	}
	if onChunk == nil {
		onChunk = func(Chunk) {}
	}
	return &Pipeline{
		cfg:     cfg,
		onChunk: onChunk,
		tap:     tap,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start opens the device and begins capturing. A device that cannot be
// opened is returned as *DeviceError and is not retried.
func (p *Pipeline) Start(ctx context.Context, dev Device) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("capture pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := dev.Open(ctx); err != nil {
		close(p.done)
		p.stopOnce.Do(func() {})
		var devErr *DeviceError
		if !errors.As(err, &devErr) {
			err = &DeviceError{Op: "open", Err: err}
		}
		logging.Error(logging.CategoryCapture, "failed to open capture device: %v", err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.device = dev
	p.cancel = cancel
	p.sourceRate = dev.SampleRate()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.captureLoop(runCtx, dev)
	logging.Info(logging.CategoryCapture, "capture started rate=%d window=%v overlap=%v", dev.SampleRate(), p.cfg.Window, p.cfg.Overlap)
	return nil
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop ends capture, releases the device and flushes the buffered
// remainder as the final chunk. Safe to call more than once.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		defer close(p.done)

		p.mu.Lock()
		cancel, dev := p.cancel, p.device
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if dev != nil {
			// Closing unblocks a reader stuck in ReadFrame.
			if err := dev.Close(); err != nil {
				p.stopErr = &DeviceError{Op: "close", Err: err}
				logging.Warning(logging.CategoryCapture, "failed to close capture device: %v", err)
			}
		}
		p.wg.Wait()

		if chunk, ok := p.flush(); ok {
			p.onChunk(chunk)
		}
		logging.Info(logging.CategoryCapture, "capture stopped")
	})
	return p.stopErr
}

func (p *Pipeline) captureLoop(ctx context.Context, dev Device) {
	defer p.wg.Done()

	for {
		frame, err := dev.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				logging.Info(logging.CategoryCapture, "capture stream ended")
			} else {
				logging.Error(logging.CategoryCapture, "capture device read failed: %v", err)
			}
			// Stop waits on this goroutine, so it must run elsewhere.
			go p.Stop()
			return
		}
		if len(frame.Samples) == 0 {
			continue
		}
		p.metrics.RecordFrame()
		p.tap.OnFrame(frame)

		if chunk, ok := p.push(frame); ok {
			p.onChunk(chunk)
		}
	}
}

// push appends a frame and returns a chunk when the window has filled.
func (p *Pipeline) push(frame Frame) (Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		chunk Chunk
		ok    bool
	)
	if frame.SampleRate > 0 && frame.SampleRate != p.sourceRate {
		// Rate change mid-stream: close out the window at the old rate.
		if len(p.buffer) > 0 {
			chunk, ok = p.emitLocked(false)
		}
		p.sourceRate = frame.SampleRate
	}
	p.buffer = append(p.buffer, frame.Samples...)

	if p.sourceRate > 0 && len(p.buffer) >= samplesFor(p.cfg.Window, p.sourceRate) && !ok {
		chunk, ok = p.emitLocked(false)
	}
	return chunk, ok
}

// flush emits whatever remains as the final chunk.
func (p *Pipeline) flush() (Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) == 0 {
		return Chunk{}, false
	}
	return p.emitLocked(true)
}

// emitLocked consumes the buffer. Encode failures drop the window without
// consuming an index.
func (p *Pipeline) emitLocked(final bool) (Chunk, bool) {
	buffer := p.buffer
	p.buffer = nil

	resampled, err := Resample(buffer, p.sourceRate, p.cfg.TargetSampleRate)
	if err != nil {
		p.metrics.RecordEncodeFailure()
		logging.Error(logging.CategoryCodec, "failed to resample chunk: %v", err)
		return Chunk{}, false
	}

	combined := make([]float32, 0, len(p.overlap)+len(resampled))
	combined = append(combined, p.overlap...)
	combined = append(combined, resampled...)

	wav, err := EncodeWAV(combined, p.cfg.TargetSampleRate)
	if err != nil {
		p.metrics.RecordEncodeFailure()
		logging.Error(logging.CategoryCodec, "failed to encode chunk: %v", err)
		return Chunk{}, false
	}

	tail := samplesFor(p.cfg.Overlap, p.cfg.TargetSampleRate)
	if tail > len(combined) {
		tail = len(combined)
	}
	p.overlap = append([]float32(nil), combined[len(combined)-tail:]...)

	chunk := Chunk{
		Index:          p.nextIndex,
		TotalChunks:    OpenStream,
		WAV:            wav,
		SampleRate:     p.cfg.TargetSampleRate,
		Samples:        combined,
		OverlapSamples: len(combined) - len(resampled),
		TargetLanguage: p.cfg.TargetLanguage,
	}
	if final {
		chunk.TotalChunks = chunk.Index + 1
	}
	p.nextIndex++
	p.metrics.RecordChunkEncoded(len(wav))
	logging.Debug(logging.CategoryCodec, "encoded chunk index=%d samples=%d bytes=%d final=%v", chunk.Index, len(combined), len(wav), final)
	return chunk, true
}

func samplesFor(d time.Duration, rate int) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}

