// Package dispatch submits encoded audio chunks for transcription under a
// single-slot permit and forwards usable results to the caption bus.
//
// When a submission is already in flight, new chunks are dropped rather
// than queued: live captions favour recency over completeness. Submissions
// are never retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
)

// DefaultBatchSize is the number of chunks combined per submission when
// batching is enabled without an explicit size.
const DefaultBatchSize = 3

// finalTimeout bounds the closing submission, which is not tied to the
// session context.
const finalTimeout = 5 * time.Second

// Config identifies the session submitting audio.
type Config struct {
	UserID          string
	RoomID          string
	ParticipantName string
	// BatchSize > 1 combines that many chunks into one submission.
	BatchSize int
}

// Dispatcher owns the permit for one session. It is not shared between
// sessions.
type Dispatcher struct {
	cfg         Config
	transcriber boundary.Transcriber
	bus         captions.Bus
	notifier    notify.Notifier
	metrics     *metrics.Metrics

	permit chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	mu         sync.Mutex
	batch      []audio.Chunk
	batchIndex int
}

// New creates a dispatcher. notifier and m may be nil.
func New(cfg Config, transcriber boundary.Transcriber, bus captions.Bus, notifier notify.Notifier, m *metrics.Metrics) *Dispatcher {
	if notifier == nil {
		notifier = notify.Log{}
	}
	if cfg.ParticipantName == "" {
		cfg.ParticipantName = cfg.UserID
	}
	return &Dispatcher{
		cfg:         cfg,
		transcriber: transcriber,
		bus:         bus,
		notifier:    notifier,
		metrics:     m,
		permit:      make(chan struct{}, 1),
	}
}

// Submit hands a chunk to the dispatcher and reports whether a submission
// was started. It never blocks on the network: the request runs on its own
// goroutine under ctx. In batching mode chunks are held until the batch
// fills or the stream ends.
func (d *Dispatcher) Submit(ctx context.Context, chunk audio.Chunk) bool {
	if d.closed.Load() {
		return false
	}

	req, ok := d.prepare(chunk)
	if !ok {
		return false
	}

	select {
	case d.permit <- struct{}{}:
	default:
		d.metrics.RecordDropped()
		logging.Debug(logging.CategoryDispatch, "submission in flight, dropping chunk index=%d", req.ChunkIndex)
		return false
	}

	cancel := context.CancelFunc(func() {})
	if req.TotalChunks != audio.OpenStream {
		// The closing chunk is still delivered after leave so the service
		// sees the end of the stream. Its response is discarded.
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalTimeout)
	}
	d.wg.Add(1)
	go d.run(ctx, cancel, req)
	return true
}

// prepare turns a chunk into a request, accumulating batches when enabled.
func (d *Dispatcher) prepare(chunk audio.Chunk) (boundary.TranscriptionRequest, bool) {
	if d.cfg.BatchSize <= 1 {
		return boundary.TranscriptionRequest{
			UserID:             d.cfg.UserID,
			RoomID:             d.cfg.RoomID,
			ChunkIndex:         chunk.Index,
			TotalChunks:        chunk.TotalChunks,
			WAV:                chunk.WAV,
			TargetLanguageCode: chunk.TargetLanguage,
		}, true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.batch = append(d.batch, chunk)
	if len(d.batch) < d.cfg.BatchSize && !chunk.Final() {
		return boundary.TranscriptionRequest{}, false
	}

	batch := d.batch
	d.batch = nil
	index := d.batchIndex
	d.batchIndex++

	wav, err := combine(batch)
	if err != nil {
		logging.Error(logging.CategoryDispatch, "failed to build batch %d: %v", index, err)
		return boundary.TranscriptionRequest{}, false
	}
	total := audio.OpenStream
	if chunk.Final() {
		total = index + 1
	}
	return boundary.TranscriptionRequest{
		UserID:             d.cfg.UserID,
		RoomID:             d.cfg.RoomID,
		ChunkIndex:         index,
		TotalChunks:        total,
		WAV:                wav,
		TargetLanguageCode: chunk.TargetLanguage,
	}, true
}

// combine joins consecutive chunks into one WAV, skipping the overlap each
// chunk repeats from its predecessor.
func combine(chunks []audio.Chunk) ([]byte, error) {
	var samples []float32
	for i, c := range chunks {
		s := c.Samples
		if i > 0 && c.OverlapSamples <= len(s) {
			s = s[c.OverlapSamples:]
		}
		samples = append(samples, s...)
	}
	return audio.EncodeWAV(samples, chunks[0].SampleRate)
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, req boundary.TranscriptionRequest) {
	defer d.wg.Done()
	defer func() { <-d.permit }()
	defer cancel()

	d.metrics.RecordSubmitted()
	start := time.Now()
	res, err := d.transcriber.Transcribe(ctx, req)
	elapsed := time.Since(start)

	if d.closed.Load() || ctx.Err() != nil {
		logging.Debug(logging.CategoryDispatch, "discarding response for chunk %d after session end", req.ChunkIndex)
		return
	}

	switch {
	case errors.Is(err, boundary.ErrEmptyResult):
		d.metrics.RecordTranscription(elapsed.Seconds(), false, true)
		logging.Debug(logging.CategoryDispatch, "no usable transcript for chunk %d", req.ChunkIndex)
		return
	case err != nil:
		d.metrics.RecordTranscription(elapsed.Seconds(), true, false)
		logging.Warning(logging.CategoryDispatch, "transcription failed for chunk %d: %v", req.ChunkIndex, err)
		d.notifier.Notify(notify.New(notify.KindNetwork, "Transcription is temporarily unavailable"))
		return
	}
	d.metrics.RecordTranscription(elapsed.Seconds(), false, false)

	language := res.Language
	if strings.TrimSpace(language) == "" {
		language = req.TargetLanguageCode
	}
	event := captions.NewEvent(d.cfg.RoomID, d.cfg.ParticipantName, res.Text, language)
	if err := d.bus.Publish(ctx, event); err != nil {
		logging.Warning(logging.CategoryDispatch, "failed to broadcast caption: %v", err)
		d.notifier.Notify(notify.New(notify.KindTransport, fmt.Sprintf("Caption could not be shared: %v", err)))
		return
	}
	d.metrics.RecordCaptionPublished()
	logging.Debug(logging.CategoryDispatch, "published caption for chunk %d (%d chars)", req.ChunkIndex, len(res.Text))
}

// Close stops accepting chunks. Responses still in flight are discarded
// when they arrive. Close does not wait for them.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Wait blocks until in-flight submissions have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
