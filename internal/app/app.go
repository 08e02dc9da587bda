// Package app assembles a caption client from configuration and runs it
// until the session ends or the process is signalled.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/config"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/metrics"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
	"github.com/LastBotInc/coralie-live-captions/internal/playback"
	"github.com/LastBotInc/coralie-live-captions/internal/profile"
	"github.com/LastBotInc/coralie-live-captions/internal/session"
	"github.com/LastBotInc/coralie-live-captions/internal/status"
	"github.com/LastBotInc/coralie-live-captions/internal/transport"
)

// App is one running caption client.
type App struct {
	cfg     *config.Config
	state   *profile.State
	session *session.Session
	status  *status.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component for cfg. Nothing touches the network until
// Start.
func New(cfg *config.Config) (*App, error) {
	state, err := profile.Load(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load local state: %w", err)
	}
	userID := firstNonEmpty(cfg.UserID, state.Profile.UserID)
	displayName := firstNonEmpty(cfg.DisplayName, state.Profile.DisplayName, userID)
	creds := boundary.StaticCredentials(state.AuthToken)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := status.NewHub()
	notifier := notify.Multi{notify.Log{}, hub}
	display := captions.NewDisplayState(cfg.CaptionTTL, cfg.HistorySize)
	display.Observe(hub.OnSnapshot)

	deps := session.Deps{
		Tokens:    tokenSource(cfg, creds),
		Connector: transport.LiveKitConnector{URL: cfg.LiveKitURL},
		Bus:       busFactory(cfg, userID),
		Display:   display,
		Notifier:  notifier,
		Metrics:   m,
	}

	if cfg.Role == config.RoleSpeaker {
		deps.Transcriber = boundary.NewHTTPTranscriber(cfg.TranscribeEndpoint, cfg.HTTPTimeout, creds)
		deps.Device = captureDevice(cfg)
	} else {
		deps.Translator = translator(cfg, creds)
		deps.Synthesizer = boundary.NewHTTPSynthesizer(cfg.SpeechEndpoint, cfg.HTTPTimeout, creds)
		if cfg.PlaybackEnabled {
			deps.Player = playback.NewDecodingPlayer(playback.NewSpeakerOutput(transport.TrackSampleRate))
		} else {
			deps.Player = playback.Discard{}
		}
	}

	sess := session.New(session.Config{
		RoomID:      cfg.RoomID,
		Role:        cfg.Role,
		UserID:      userID,
		DisplayName: displayName,
		Language: func() string {
			return state.TargetLanguage(cfg.ListenerLanguage, cfg.DefaultLanguage)
		},
		Pipeline: audio.PipelineConfig{
			Window:           cfg.ChunkWindow,
			Overlap:          overlap(cfg.OverlapWindow),
			TargetSampleRate: cfg.TargetSampleRate,
			TargetLanguage:   firstNonEmpty(state.Profile.Language, cfg.DefaultLanguage),
		},
		BatchSize: cfg.BatchSize,
	}, deps)

	a := &App{cfg: cfg, state: state, session: sess}
	if cfg.StatusAddr != "" {
		a.status = status.NewServer(status.Options{
			Display:  display,
			Hub:      hub,
			State:    func() string { return sess.State().String() },
			Retry:    sess.Retry,
			Gatherer: reg,
		})
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Start runs the session and blocks until it has left.
func (a *App) Start() error {
	defer a.cancel()

	if a.status != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.status.Start(a.ctx, a.cfg.StatusAddr); err != nil {
				logging.Error(logging.CategoryStatus, "status server failed: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logging.Info(logging.CategoryApp, "received OS shutdown signal, leaving room")
			a.session.Leave()
		case <-a.ctx.Done():
		}
	}()

	err := a.session.Run(a.ctx)
	a.cancel()
	a.wg.Wait()
	return err
}

func tokenSource(cfg *config.Config, creds boundary.CredentialsFunc) boundary.TokenSource {
	if cfg.TokenEndpoint != "" {
		return boundary.NewHTTPTokenSource(cfg.TokenEndpoint, cfg.HTTPTimeout, creds)
	}
	return &boundary.LocalTokenSource{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
	}
}

func translator(cfg *config.Config, creds boundary.CredentialsFunc) boundary.Translator {
	if cfg.TranslationBackend == "openai" {
		return boundary.NewOpenAITranslator(cfg.OpenAIAPIKey, cfg.OpenAIModel, "", cfg.HTTPTimeout)
	}
	return boundary.NewHTTPTranslator(cfg.TranslateEndpoint, cfg.HTTPTimeout, creds)
}

func busFactory(cfg *config.Config, userID string) session.BusFactory {
	if cfg.CaptionTransport != "nats" {
		return session.DataChannelBus(cfg.RoomID)
	}
	return func(_ context.Context, conn transport.Conn) (captions.Bus, error) {
		// the room identity is what other participants see as the sender
		participant := userID
		if conn != nil {
			participant = conn.Identity()
		}
		bus, err := captions.ConnectNATS(cfg.NatsURL, cfg.RoomID, participant)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
}

func captureDevice(cfg *config.Config) audio.Device {
	if cfg.DeviceKind == "wav" {
		return audio.NewWAVFileDevice(cfg.DevicePath, cfg.FrameDuration, true)
	}
	return audio.NewPCMDevice(cfg.DevicePath, cfg.DeviceSampleRate, cfg.FrameDuration)
}

// overlap maps a configured zero to no overlap rather than the pipeline default.
func overlap(d time.Duration) time.Duration {
	if d == 0 {
		return audio.NoOverlap
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
