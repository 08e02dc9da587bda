package audio

// Tap receives every captured frame before it is buffered for chunking.
// The speaker's published microphone track is fed through a Tap.
// OnFrame runs on the capture goroutine and must not block.
type Tap interface {
	OnFrame(frame Frame)
}

// NoopTap is a no-op implementation that does nothing.
type NoopTap struct{}

// OnFrame implements Tap interface (no-op).
func (NoopTap) OnFrame(Frame) {}

// TapFunc adapts a function to the Tap interface.
type TapFunc func(Frame)

// OnFrame calls f(frame).
func (f TapFunc) OnFrame(frame Frame) { f(frame) }
