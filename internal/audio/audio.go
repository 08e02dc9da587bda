// Package audio turns a microphone stream into overlapping, encoded
// transcription chunks.
//
// Frames are accumulated into a rolling window owned by the Pipeline. Every
// time the window fills, the previous overlap tail is prepended, the audio is
// resampled to the canonical rate and encoded as a PCM16 WAV chunk.
package audio

import (
	"fmt"
	"time"
)

// OpenStream marks a chunk whose stream has not ended yet.
const OpenStream = -1

// Frame is a block of mono samples delivered by a capture device.
type Frame struct {
	Samples    []float32 // normalized to [-1, 1]
	SampleRate int
	CapturedAt time.Time
}

// Duration returns the frame's playback duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is an encoded, self-contained unit of audio submitted for
// transcription. Chunks are not modified after they are emitted.
type Chunk struct {
	Index int
	// TotalChunks is OpenStream while capture continues and Index+1 on the
	// final chunk.
	TotalChunks    int
	WAV            []byte
	SampleRate     int
	Samples        []float32
	// OverlapSamples leading samples repeat the tail of the previous chunk.
	OverlapSamples int
	TargetLanguage string
}

// Final reports whether this is the last chunk of the stream.
func (c Chunk) Final() bool {
	return c.TotalChunks != OpenStream
}

// Duration returns the audio length carried by the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// DeviceError reports that the capture device could not be opened or read.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
