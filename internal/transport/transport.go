// Package transport connects the caption client to a real-time room.
//
// The room is seen through Conn: local audio publication, remote audio
// enumeration, a reliable data channel and a single stream of tagged
// events. The LiveKit implementation lives in livekit.go.
package transport

import (
	"context"
	"fmt"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
)

// EventKind tags a room event.
type EventKind int

const (
	EventParticipantJoined EventKind = iota
	EventParticipantLeft
	EventAudioTrackSubscribed
	EventAudioTrackUnsubscribed
	EventData
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventAudioTrackSubscribed:
		return "audio_track_subscribed"
	case EventAudioTrackUnsubscribed:
		return "audio_track_unsubscribed"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one inbound room event.
type Event struct {
	Kind          EventKind
	ParticipantID string
	TrackSID      string
	Topic         string
	Payload       []byte
}

// RemoteTrack identifies a remote participant's audio track.
type RemoteTrack struct {
	ParticipantID string
	TrackSID      string
}

// MicrophoneTrack is a published local audio track fed from capture.
type MicrophoneTrack interface {
	audio.Tap
	SID() string
	Close() error
}

// Conn is a joined room.
type Conn interface {
	Identity() string
	// PublishedAudioTracks lists the SIDs of local audio publications.
	PublishedAudioTracks() []string
	UnpublishTrack(sid string) error
	// PublishMicrophone publishes a new audio track fed with frames at
	// the given capture rate.
	PublishMicrophone(name string, sampleRate int) (MicrophoneTrack, error)
	// RemoteAudioTracks lists audio tracks already present in the room.
	RemoteAudioTracks() []RemoteTrack
	// SilenceRemoteAudio keeps a remote track from ever being played.
	SilenceRemoteAudio(t RemoteTrack)
	PublishData(ctx context.Context, topic string, payload []byte) error
	Events() <-chan Event
	Close() error
}

// Connector joins rooms.
type Connector interface {
	Connect(ctx context.Context, creds *boundary.Credentials, identity, displayName string) (Conn, error)
}

// Error is a publish or subscribe failure. It is logged and does not end
// the session.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
