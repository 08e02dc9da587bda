package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// PacketReader reads one RTP packet into b.
type PacketReader func(b []byte) (int, error)

// TrackReader adapts a subscribed WebRTC track.
func TrackReader(track *webrtc.TrackRemote) PacketReader {
	return func(b []byte) (int, error) {
		n, _, err := track.Read(b)
		return n, err
	}
}

// RemoteAudioSink drains a remote audio track without ever playing it.
// Packets are decoded only to keep a level meter, so listeners hear
// synthesized speech instead of the raw speaker.
type RemoteAudioSink struct {
	track   RemoteTrack
	decoder *opus.Decoder

	packets atomic.Int64
	level   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRemoteAudioSink creates a muted sink for t.
func NewRemoteAudioSink(t RemoteTrack) (*RemoteAudioSink, error) {
	dec, err := opus.NewDecoder(TrackSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteAudioSink{track: t, decoder: dec, ctx: ctx, cancel: cancel}, nil
}

// Start reads packets until the reader fails or Stop is called.
func (s *RemoteAudioSink) Start(read PacketReader) {
	s.wg.Add(1)
	go s.drain(read)
	logging.Info(logging.CategoryLiveKit, "muted remote audio participant=%s track=%s", s.track.ParticipantID, s.track.TrackSID)
}

func (s *RemoteAudioSink) drain(read PacketReader) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	pcm := make([]int16, trackFrameSamples*3)
	for s.ctx.Err() == nil {
		n, err := read(buf)
		if err != nil {
			if s.ctx.Err() == nil {
				logging.Debug(logging.CategoryLiveKit, "remote track ended participant=%s: %v", s.track.ParticipantID, err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.packets.Add(1)
		if len(pkt.Payload) == 0 {
			continue
		}
		count, err := s.decoder.Decode(pkt.Payload, pcm)
		if err != nil || count == 0 {
			continue
		}
		s.level.Store(math.Float64bits(rms(pcm[:count])))
	}
}

// Packets returns how many RTP packets were drained.
func (s *RemoteAudioSink) Packets() int64 {
	return s.packets.Load()
}

// Level returns the RMS of the last decoded frame in [0, 1].
func (s *RemoteAudioSink) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Stop ends the drain loop. The reader must be unblocked by closing the
// underlying track.
func (s *RemoteAudioSink) Stop() {
	s.cancel()
	s.wg.Wait()
}

func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
