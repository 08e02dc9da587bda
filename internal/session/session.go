package session

import (
	"context"
	"errors"
	"sync"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/config"
	"github.com/LastBotInc/coralie-live-captions/internal/dispatch"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
	"github.com/LastBotInc/coralie-live-captions/internal/playback"
	"github.com/LastBotInc/coralie-live-captions/internal/relay"
	"github.com/LastBotInc/coralie-live-captions/internal/transport"
)

// MicrophoneTrackName is the name of the speaker's published audio track.
const MicrophoneTrackName = "microphone"

// BusFactory opens the caption bus once the room is joined.
type BusFactory func(ctx context.Context, conn transport.Conn) (captions.Bus, error)

// DataChannelBus carries captions over the room's data channel.
func DataChannelBus(roomID string) BusFactory {
	return func(_ context.Context, conn transport.Conn) (captions.Bus, error) {
		return captions.NewDataBus(roomID, conn), nil
	}
}

// Config describes one participant's session.
type Config struct {
	RoomID      string
	Role        string
	UserID      string
	DisplayName string
	// Language resolves the listener's target language per event.
	Language relay.LanguageFunc
	// Pipeline configures speaker capture. TargetLanguage is the speaker's
	// transcription language.
	Pipeline  audio.PipelineConfig
	BatchSize int
}

// Deps are the collaborators a session drives.
type Deps struct {
	Tokens      boundary.TokenSource
	Connector   transport.Connector
	Transcriber boundary.Transcriber
	Translator  boundary.Translator
	Synthesizer boundary.Synthesizer
	Player      playback.Player
	// Device is the speaker's capture source.
	Device   audio.Device
	Bus      BusFactory
	Display  *captions.DisplayState
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// dataHandler is implemented by buses fed from transport data events.
type dataHandler interface {
	HandleData(topic string, payload []byte)
}

// Session runs the lifecycle for one participant. All state changes happen
// on the goroutine running Run.
type Session struct {
	cfg  Config
	deps Deps

	events chan Event
	done   chan struct{}
	// postMu lets shutdown wait out posts racing with close(done)
	postMu sync.RWMutex

	mu      sync.RWMutex
	machine Machine
	// state is published after a transition's effects have run
	state State

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the Run goroutine
	creds        *boundary.Credentials
	pipeline     *audio.Pipeline
	sink         *chunkSink
	conn         transport.Conn
	bus          captions.Bus
	unsubscribe  func()
	dispatcher   *dispatch.Dispatcher
	orchestrator *relay.Orchestrator
	mic          transport.MicrophoneTrack
}

// New creates a session in the idle state.
func New(cfg Config, deps Deps) *Session {
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Display == nil {
		deps.Display = captions.NewDisplayState(captions.DefaultTTL, captions.DefaultHistory)
	}
	if deps.Bus == nil {
		deps.Bus = DataChannelBus(cfg.RoomID)
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.State
}

// Display returns the caption display this session renders to.
func (s *Session) Display() *captions.DisplayState {
	return s.deps.Display
}

// Done is closed once the session has left.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Leave ends the session. Safe from any goroutine, any number of times.
func (s *Session) Leave() {
	s.post(Leave{})
}

// Retry confirms identity again after a failed token fetch or join.
func (s *Session) Retry() {
	s.post(ReadinessChanged{Flag: FlagIdentity, Ready: s.cfg.UserID != ""})
}

// post delivers ev to the event loop and reports whether it was accepted.
func (s *Session) post(ev Event) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Run resolves the session, signals readiness and processes events until
// the session has left. Cancelling ctx leaves the session.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	defer s.shutdown()

	logging.Info(logging.CategorySession, "starting session room=%s role=%s user=%s", s.cfg.RoomID, s.cfg.Role, s.cfg.UserID)
	s.apply(Resolved{RoomID: s.cfg.RoomID, Role: s.cfg.Role})
	if s.current() == StateLeft {
		s.deps.Notifier.Notify(notify.New(notify.KindSession, "Missing room or role, leaving"))
		return errors.New("session requires a room and a valid role")
	}

	if s.cfg.UserID != "" {
		s.apply(ReadinessChanged{Flag: FlagIdentity, Ready: true})
	} else {
		s.deps.Notifier.Notify(notify.New(notify.KindSession, "Sign in required before joining"))
	}

	var captureDone <-chan struct{}
	if s.cfg.Role == config.RoleSpeaker {
		captureDone = s.startRecording()
	}

	for s.current() != StateLeft {
		var roomEvents <-chan transport.Event
		if s.conn != nil {
			roomEvents = s.conn.Events()
		}
		select {
		case ev := <-s.events:
			s.apply(ev)
		case te := <-roomEvents:
			s.handleRoomEvent(te)
		case <-captureDone:
			captureDone = nil
			logging.Info(logging.CategorySession, "capture stream ended")
			s.apply(ReadinessChanged{Flag: FlagCaptureStream, Ready: false})
		case <-s.ctx.Done():
			s.apply(Leave{})
		}
	}
	if s.dispatcher != nil {
		// the closing chunk is bounded by its own deadline
		s.dispatcher.Wait()
	}
	logging.Info(logging.CategorySession, "session left room=%s", s.cfg.RoomID)
	return nil
}

// shutdown stops accepting events and closes any room connection that
// was joined after the loop exited.
func (s *Session) shutdown() {
	close(s.done)
	s.postMu.Lock()
	defer s.postMu.Unlock()
	for {
		select {
		case ev := <-s.events:
			if j, ok := ev.(Joined); ok && j.Conn != nil {
				logging.Debug(logging.CategorySession, "closing room connection joined after leave")
				j.Conn.Close()
			}
		default:
			return
		}
	}
}

func (s *Session) apply(ev Event) {
	s.mu.Lock()
	from := s.machine
	next, effects := Transition(from, ev)
	s.machine = next
	s.mu.Unlock()

	if next.State != from.State {
		logging.Info(logging.CategorySession, "session %s -> %s", from.State, next.State)
		s.deps.Metrics.RecordTransition(from.State.String(), next.State.String())
	}
	switch ev := ev.(type) {
	case TokenFetched:
		s.creds = ev.Credentials
	case TokenFailed:
		logging.Warning(logging.CategorySession, "token fetch failed: %v", ev.Err)
		s.deps.Notifier.Notify(notify.New(notify.KindNetwork, "Could not get room access, try again"))
	case JoinFailed:
		logging.Warning(logging.CategorySession, "join failed: %v", ev.Err)
		s.deps.Notifier.Notify(notify.New(notify.KindTransport, "Could not join the room, try again"))
	}

	for _, effect := range effects {
		s.run(effect, ev)
	}

	s.mu.Lock()
	s.state = s.machine.State
	s.mu.Unlock()
}

func (s *Session) run(effect Effect, ev Event) {
	logging.Debug(logging.CategorySession, "effect %s", effect)
	switch effect {
	case EffectFetchToken:
		s.fetchToken()
	case EffectJoin:
		s.join(s.creds)
	case EffectStartPublishing:
		s.conn = ev.(Joined).Conn
		s.startPublishing()
	case EffectStartSubscribing:
		s.conn = ev.(Joined).Conn
		s.startSubscribing()
	case EffectStopCapture:
		s.stopCapture()
	case EffectReleaseTransport:
		s.release()
	case EffectDiscardConn:
		if j, ok := ev.(Joined); ok && j.Conn != nil {
			j.Conn.Close()
		}
	}
}

func (s *Session) fetchToken() {
	ctx, room, user, name := s.ctx, s.cfg.RoomID, s.cfg.UserID, s.cfg.DisplayName
	go func() {
		creds, err := s.deps.Tokens.FetchToken(ctx, room, user, name)
		if err != nil {
			s.post(TokenFailed{Err: err})
			return
		}
		s.post(TokenFetched{Credentials: creds})
	}()
}

func (s *Session) join(creds *boundary.Credentials) {
	ctx := s.ctx
	go func() {
		conn, err := s.deps.Connector.Connect(ctx, creds, s.cfg.UserID, s.cfg.DisplayName)
		if err != nil {
			s.post(JoinFailed{Err: err})
			return
		}
		if !s.post(Joined{Conn: conn}) {
			conn.Close()
		}
	}()
}

// startRecording opens the capture device. Frames flow into the pipeline
// before the room is joined; chunks are only dispatched once publishing.
func (s *Session) startRecording() <-chan struct{} {
	s.apply(ReadinessChanged{Flag: FlagRecording, Ready: true})
	if s.deps.Device == nil {
		s.deps.Notifier.Notify(notify.New(notify.KindDevice, "No capture device configured"))
		return nil
	}

	s.sink = &chunkSink{ctx: s.ctx}
	s.pipeline = audio.NewPipeline(s.cfg.Pipeline, s.sink.onChunk, s.sink, s.deps.Metrics)
	if err := s.pipeline.Start(s.ctx, s.deps.Device); err != nil {
		s.deps.Notifier.Notify(notify.New(notify.KindDevice, "Microphone unavailable: "+err.Error()))
		s.pipeline = nil
		return nil
	}
	s.apply(ReadinessChanged{Flag: FlagCaptureStream, Ready: true})
	return s.pipeline.Done()
}

func (s *Session) openBus() bool {
	bus, err := s.deps.Bus(s.ctx, s.conn)
	if err != nil {
		logging.Error(logging.CategorySession, "failed to open caption bus: %v", err)
		s.deps.Notifier.Notify(notify.New(notify.KindTransport, "Captions unavailable"))
		return false
	}
	s.bus = bus

	s.orchestrator = relay.New(s.ctx, relay.Options{
		Speaker:     s.cfg.Role == config.RoleSpeaker,
		Language:    s.cfg.Language,
		Translator:  s.deps.Translator,
		Synthesizer: s.deps.Synthesizer,
		Player:      s.deps.Player,
		Display:     s.deps.Display,
		Notifier:    s.deps.Notifier,
		Metrics:     s.deps.Metrics,
	})
	s.unsubscribe = bus.Subscribe(s.orchestrator.Handle)
	return true
}

func (s *Session) startPublishing() {
	if !s.openBus() {
		return
	}
	s.dispatcher = dispatch.New(dispatch.Config{
		UserID:          s.cfg.UserID,
		RoomID:          s.cfg.RoomID,
		ParticipantName: s.conn.Identity(),
		BatchSize:       s.cfg.BatchSize,
	}, s.deps.Transcriber, s.bus, s.deps.Notifier, s.deps.Metrics)

	// exactly one microphone track per speaker
	for _, sid := range s.conn.PublishedAudioTracks() {
		if err := s.conn.UnpublishTrack(sid); err != nil {
			logging.Warning(logging.CategorySession, "failed to unpublish stale track %s: %v", sid, err)
		}
	}
	rate := transport.TrackSampleRate
	if s.deps.Device != nil {
		rate = s.deps.Device.SampleRate()
	}
	mic, err := s.conn.PublishMicrophone(MicrophoneTrackName, rate)
	if err != nil {
		logging.Error(logging.CategorySession, "failed to publish microphone: %v", err)
		s.deps.Notifier.Notify(notify.New(notify.KindTransport, "Could not publish your microphone"))
	} else {
		s.mic = mic
	}

	if s.sink != nil {
		s.sink.attach(s.dispatcher, s.mic)
	}
}

func (s *Session) startSubscribing() {
	s.openBus()
	for _, t := range s.conn.RemoteAudioTracks() {
		s.conn.SilenceRemoteAudio(t)
	}
}

func (s *Session) handleRoomEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventData:
		if h, ok := s.bus.(dataHandler); ok {
			h.HandleData(e.Topic, e.Payload)
		}
	case transport.EventAudioTrackSubscribed:
		if s.cfg.Role == config.RoleListener {
			s.conn.SilenceRemoteAudio(transport.RemoteTrack{ParticipantID: e.ParticipantID, TrackSID: e.TrackSID})
		}
	case transport.EventParticipantJoined, transport.EventParticipantLeft:
		logging.Debug(logging.CategorySession, "%s participant=%s", e.Kind, e.ParticipantID)
	case transport.EventDisconnected:
		s.deps.Notifier.Notify(notify.New(notify.KindTransport, "Disconnected from the room"))
		s.apply(Leave{})
	}
}

func (s *Session) stopCapture() {
	if s.pipeline == nil {
		return
	}
	if err := s.pipeline.Stop(); err != nil {
		logging.Warning(logging.CategorySession, "capture stop: %v", err)
	}
}

// release tears down everything after capture has stopped. In-flight
// requests complete into closed components and are discarded.
func (s *Session) release() {
	s.cancel()
	if s.sink != nil {
		s.sink.attach(nil, nil)
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logging.Warning(logging.CategorySession, "failed to close caption bus: %v", err)
		}
	}
	if s.mic != nil {
		if err := s.mic.Close(); err != nil {
			logging.Warning(logging.CategorySession, "failed to release microphone track: %v", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logging.Warning(logging.CategorySession, "failed to leave room: %v", err)
		}
	}
}

// chunkSink routes capture output to whatever is currently attached.
type chunkSink struct {
	ctx        context.Context
	mu         sync.RWMutex
	dispatcher *dispatch.Dispatcher
	tap        audio.Tap
}

func (c *chunkSink) attach(d *dispatch.Dispatcher, tap audio.Tap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatcher = d
	c.tap = tap
}

func (c *chunkSink) OnFrame(f audio.Frame) {
	c.mu.RLock()
	tap := c.tap
	c.mu.RUnlock()
	if tap != nil {
		tap.OnFrame(f)
	}
}

func (c *chunkSink) onChunk(chunk audio.Chunk) {
	c.mu.RLock()
	d := c.dispatcher
	c.mu.RUnlock()
	if d == nil {
		logging.Debug(logging.CategorySession, "not publishing yet, dropping chunk %d", chunk.Index)
		return
	}
	d.Submit(c.ctx, chunk)
}
