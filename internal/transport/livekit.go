package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

const eventBuffer = 256

// LiveKitConnector joins LiveKit rooms with a fetched token.
type LiveKitConnector struct {
	// URL is used when the token response carries no server URL.
	URL string
}

func (c LiveKitConnector) Connect(ctx context.Context, creds *boundary.Credentials, identity, displayName string) (Conn, error) {
	if creds == nil || creds.Token == "" {
		return nil, &Error{Op: "connect", Err: errors.New("missing access token")}
	}
	url := creds.WSURL
	if url == "" {
		url = c.URL
	}
	if url == "" {
		return nil, &Error{Op: "connect", Err: errors.New("missing server url")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Room{
		events: make(chan Event, eventBuffer),
		sinks:  make(map[string]*RemoteAudioSink),
	}
	room, err := lksdk.ConnectToRoomWithToken(url, creds.Token, r.callbacks())
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	r.room = room
	logging.Info(logging.CategoryLiveKit, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())
	return r, nil
}

// Room is a joined LiveKit room.
type Room struct {
	room *lksdk.Room

	mu     sync.Mutex
	closed bool
	events chan Event
	sinks  map[string]*RemoteAudioSink
}

func (r *Room) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryLiveKit, "disconnected from room")
			r.emit(Event{Kind: EventDisconnected})
		},
		OnParticipantConnected: func(p *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant connected identity=%s", p.Identity())
			r.emit(Event{Kind: EventParticipantJoined, ParticipantID: p.Identity()})
		},
		OnParticipantDisconnected: func(p *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant disconnected identity=%s", p.Identity())
			r.emit(Event{Kind: EventParticipantLeft, ParticipantID: p.Identity()})
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				t := RemoteTrack{ParticipantID: rp.Identity(), TrackSID: pub.SID()}
				logging.Info(logging.CategoryLiveKit, "track subscribed participant=%s track=%s", t.ParticipantID, t.TrackSID)
				r.attachSink(t, track)
				r.emit(Event{Kind: EventAudioTrackSubscribed, ParticipantID: t.ParticipantID, TrackSID: t.TrackSID})
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logging.Info(logging.CategoryLiveKit, "track unsubscribed participant=%s track=%s", rp.Identity(), pub.SID())
				r.detachSink(pub.SID())
				r.emit(Event{Kind: EventAudioTrackUnsubscribed, ParticipantID: rp.Identity(), TrackSID: pub.SID()})
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user, ok := data.(*lksdk.UserDataPacket)
				if !ok {
					return
				}
				r.emit(Event{
					Kind:          EventData,
					ParticipantID: params.SenderIdentity,
					Topic:         user.Topic,
					Payload:       user.Payload,
				})
			},
		},
	}
}

// emit never blocks the SDK callback goroutine.
func (r *Room) emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		logging.Warning(logging.CategoryLiveKit, "event queue full, dropping %s event", e.Kind)
	}
}

func (r *Room) Events() <-chan Event {
	return r.events
}

func (r *Room) Identity() string {
	return r.room.LocalParticipant.Identity()
}

func (r *Room) PublishedAudioTracks() []string {
	var sids []string
	for _, pub := range r.room.LocalParticipant.TrackPublications() {
		if pub.Kind() == lksdk.TrackKindAudio {
			sids = append(sids, pub.SID())
		}
	}
	return sids
}

func (r *Room) UnpublishTrack(sid string) error {
	if err := r.room.LocalParticipant.UnpublishTrack(sid); err != nil {
		return &Error{Op: "unpublish", Err: err}
	}
	logging.Info(logging.CategoryLiveKit, "unpublished track sid=%s", sid)
	return nil
}

func (r *Room) PublishMicrophone(name string, sampleRate int) (MicrophoneTrack, error) {
	track, err := lkmedia.NewPCMLocalTrack(TrackSampleRate, 1, nil)
	if err != nil {
		return nil, &Error{Op: "publish", Err: fmt.Errorf("create PCM track: %w", err)}
	}
	pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return nil, &Error{Op: "publish", Err: err}
	}
	pub.SetMuted(false)
	sid := pub.SID()
	logging.Info(logging.CategoryLiveKit, "published microphone track sid=%s", sid)

	write := SampleWriterFunc(func(s []int16) error { return track.WriteSample(s) })
	mic, err := NewMicPublisher(sid, write, sampleRate, func() error {
		track.Close()
		return r.room.LocalParticipant.UnpublishTrack(sid)
	})
	if err != nil {
		track.Close()
		_ = r.room.LocalParticipant.UnpublishTrack(sid)
		return nil, &Error{Op: "publish", Err: err}
	}
	return mic, nil
}

func (r *Room) RemoteAudioTracks() []RemoteTrack {
	var out []RemoteTrack
	for _, p := range r.room.GetRemoteParticipants() {
		for _, pub := range p.TrackPublications() {
			if pub.Kind() == lksdk.TrackKindAudio {
				out = append(out, RemoteTrack{ParticipantID: p.Identity(), TrackSID: pub.SID()})
			}
		}
	}
	return out
}

func (r *Room) SilenceRemoteAudio(t RemoteTrack) {
	for _, p := range r.room.GetRemoteParticipants() {
		if p.Identity() != t.ParticipantID {
			continue
		}
		for _, pub := range p.TrackPublications() {
			remote, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok || pub.SID() != t.TrackSID {
				continue
			}
			if !remote.IsSubscribed() {
				// the sink is attached from OnTrackSubscribed
				remote.SetSubscribed(true)
				return
			}
			if track, ok := remote.Track().(*webrtc.TrackRemote); ok {
				r.attachSink(t, track)
			}
			return
		}
	}
}

func (r *Room) attachSink(t RemoteTrack, track *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.sinks[t.TrackSID]; ok {
		return
	}
	sink, err := NewRemoteAudioSink(t)
	if err != nil {
		logging.Error(logging.CategoryLiveKit, "failed to mute remote audio track=%s: %v", t.TrackSID, err)
		return
	}
	r.sinks[t.TrackSID] = sink
	sink.Start(TrackReader(track))
}

func (r *Room) detachSink(sid string) {
	r.mu.Lock()
	sink := r.sinks[sid]
	delete(r.sinks, sid)
	r.mu.Unlock()
	if sink != nil {
		go sink.Stop()
	}
}

func (r *Room) PublishData(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishTopic(topic),
		lksdk.WithDataPublishReliable(true),
	)
	if err != nil {
		return &Error{Op: "publish data", Err: err}
	}
	return nil
}

// Close leaves the room. Remote sinks stop once their tracks close.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	r.room.Disconnect()
	for _, s := range sinks {
		go s.Stop()
	}
	logging.Info(logging.CategoryLiveKit, "left room %s", r.room.Name())
	return nil
}
