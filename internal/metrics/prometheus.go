package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the caption client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	ChunksEncoded  prometheus.Counter
	ChunkBytes     prometheus.Histogram
	EncodeFailures prometheus.Counter

	// Dispatch metrics
	ChunksSubmitted      prometheus.Counter
	ChunksDropped        prometheus.Counter
	TranscriptionFailed  prometheus.Counter
	TranscriptionEmpty   prometheus.Counter
	TranscriptionLatency prometheus.Histogram

	// Caption metrics
	CaptionsPublished prometheus.Counter
	CaptionsReceived  prometheus.Counter
	CaptionsDeduped   prometheus.Counter

	// Relay metrics
	TranslationFailures prometheus.Counter
	SpeechRequests      prometheus.Counter
	SpeechFailures      prometheus.Counter

	// Session metrics
	SessionTransitions *prometheus.CounterVec
}

// New creates and registers all metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_frames_captured_total",
			Help: "Total number of audio frames read from the capture device",
		}),
		ChunksEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_chunks_encoded_total",
			Help: "Total number of audio chunks encoded to WAV",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "captions_chunk_size_bytes",
			Help:    "Size of encoded audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),
		EncodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_encode_failures_total",
			Help: "Total number of chunk resample/encode failures",
		}),
		ChunksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_chunks_submitted_total",
			Help: "Total number of transcription submissions",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_chunks_dropped_total",
			Help: "Total number of chunks dropped because a submission was in flight",
		}),
		TranscriptionFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_transcription_failures_total",
			Help: "Total number of failed transcription submissions",
		}),
		TranscriptionEmpty: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_transcription_empty_total",
			Help: "Total number of transcription results without usable text or audio",
		}),
		TranscriptionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "captions_transcription_duration_seconds",
			Help:    "Duration of transcription submissions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		CaptionsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_published_total",
			Help: "Total number of transcript events published to the caption bus",
		}),
		CaptionsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_received_total",
			Help: "Total number of transcript events received from the caption bus",
		}),
		CaptionsDeduped: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_deduplicated_total",
			Help: "Total number of redelivered transcript events ignored",
		}),
		TranslationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_translation_failures_total",
			Help: "Total number of translation failures that fell back to source text",
		}),
		SpeechRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_speech_requests_total",
			Help: "Total number of speech synthesis requests",
		}),
		SpeechFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "captions_speech_failures_total",
			Help: "Total number of failed speech synthesis or playback attempts",
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captions_session_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"from", "to"}),
	}
}

// RecordFrame increments the captured frames counter
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

// RecordChunkEncoded records an encoded chunk
func (m *Metrics) RecordChunkEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksEncoded.Inc()
	m.ChunkBytes.Observe(float64(sizeBytes))
}

// RecordEncodeFailure increments the encode failure counter
func (m *Metrics) RecordEncodeFailure() {
	if m == nil {
		return
	}
	m.EncodeFailures.Inc()
}

// RecordSubmitted increments the submission counter
func (m *Metrics) RecordSubmitted() {
	if m == nil {
		return
	}
	m.ChunksSubmitted.Inc()
}

// RecordDropped increments the dropped chunk counter
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// RecordTranscription records the outcome of a transcription submission
func (m *Metrics) RecordTranscription(durationSeconds float64, failed, empty bool) {
	if m == nil {
		return
	}
	m.TranscriptionLatency.Observe(durationSeconds)
	switch {
	case failed:
		m.TranscriptionFailed.Inc()
	case empty:
		m.TranscriptionEmpty.Inc()
	}
}

// RecordCaptionPublished increments the published caption counter
func (m *Metrics) RecordCaptionPublished() {
	if m == nil {
		return
	}
	m.CaptionsPublished.Inc()
}

// RecordCaptionReceived increments received captions, and deduplicated ones when dup is set
func (m *Metrics) RecordCaptionReceived(dup bool) {
	if m == nil {
		return
	}
	m.CaptionsReceived.Inc()
	if dup {
		m.CaptionsDeduped.Inc()
	}
}

// RecordTranslationFailure increments the translation fallback counter
func (m *Metrics) RecordTranslationFailure() {
	if m == nil {
		return
	}
	m.TranslationFailures.Inc()
}

// RecordSpeech records a speech request and whether it failed
func (m *Metrics) RecordSpeech(failed bool) {
	if m == nil {
		return
	}
	m.SpeechRequests.Inc()
	if failed {
		m.SpeechFailures.Inc()
	}
}

// RecordTransition records a session state transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}
