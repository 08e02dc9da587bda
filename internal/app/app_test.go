package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/audio"
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/config"
	"github.com/LastBotInc/coralie-live-captions/internal/session"
)

func loadConfig(t *testing.T, env map[string]string, args ...string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(args, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	return cfg
}

func TestNewListenerUsesStateFile(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.yaml")
	data := "auth_token: secret\nprofile:\n  user_id: bob\n  display_name: Bob\n  language: fr-FR\n"
	if err := os.WriteFile(stateFile, []byte(data), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}

	cfg := loadConfig(t, map[string]string{
		"CAPTION_ROOM":       "room",
		"CAPTION_STATE_FILE": stateFile,
		"TOKEN_ENDPOINT":     "http://token",
		"TRANSLATE_ENDPOINT": "http://translate",
		"SPEECH_ENDPOINT":    "http://speech",
		"STATUS_ADDR":        "127.0.0.1:0",
	}, "-playback=false")

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.session.State() != session.StateIdle {
		t.Errorf("Expected idle session before start, got %s", a.session.State())
	}
	if a.status == nil {
		t.Error("Expected status server when an address is configured")
	}
	if got := a.state.TargetLanguage(cfg.ListenerLanguage, cfg.DefaultLanguage); got != "fr-FR" {
		t.Errorf("Expected profile language, got %s", got)
	}
}

func TestTokenSourceSelection(t *testing.T) {
	cfg := &config.Config{TokenEndpoint: "http://token"}
	if _, ok := tokenSource(cfg, nil).(*boundary.HTTPTokenSource); !ok {
		t.Error("Expected HTTP token source when an endpoint is configured")
	}
	cfg = &config.Config{LiveKitURL: "http://lk", LiveKitAPIKey: "key", LiveKitAPISecret: "secret"}
	if _, ok := tokenSource(cfg, nil).(*boundary.LocalTokenSource); !ok {
		t.Error("Expected local token minting without an endpoint")
	}
}

func TestTranslatorSelection(t *testing.T) {
	if _, ok := translator(&config.Config{TranslationBackend: "openai", OpenAIAPIKey: "k"}, nil).(*boundary.OpenAITranslator); !ok {
		t.Error("Expected OpenAI translator")
	}
	if _, ok := translator(&config.Config{TranslationBackend: "http", TranslateEndpoint: "http://t"}, nil).(*boundary.HTTPTranslator); !ok {
		t.Error("Expected HTTP translator")
	}
}

func TestCaptureDeviceSelection(t *testing.T) {
	if _, ok := captureDevice(&config.Config{DeviceKind: "wav", DevicePath: "in.wav"}).(*audio.WAVFileDevice); !ok {
		t.Error("Expected WAV file device")
	}
	if d, ok := captureDevice(&config.Config{DeviceKind: "pcm", DevicePath: "-", DeviceSampleRate: 44100}).(*audio.PCMDevice); !ok || d.SampleRate() != 44100 {
		t.Error("Expected PCM device at the configured rate")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if firstNonEmpty("", "b", "c") != "b" || firstNonEmpty() != "" {
		t.Error("Unexpected firstNonEmpty result")
	}
}

func TestConfiguredZeroOverlapDisablesOverlap(t *testing.T) {
	if overlap(0) != audio.NoOverlap {
		t.Error("Expected zero overlap to disable it")
	}
	if overlap(250*time.Millisecond) != 250*time.Millisecond {
		t.Error("Expected configured overlap to pass through")
	}
}
