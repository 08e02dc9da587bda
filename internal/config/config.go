package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Role values accepted for the session role.
const (
	RoleSpeaker  = "speaker"
	RoleListener = "listener"
)

// Config holds the configuration for the caption client
type Config struct {
	// Session identity
	Role        string
	RoomID      string
	UserID      string
	DisplayName string
	StateFile   string

	// LiveKit configuration
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Service boundaries
	TokenEndpoint      string
	TranscribeEndpoint string
	TranslateEndpoint  string
	SpeechEndpoint     string
	HTTPTimeout        time.Duration

	// Translation backend: "http" or "openai"
	TranslationBackend string
	OpenAIAPIKey       string
	OpenAIModel        string

	// Caption transport: "livekit" or "nats"
	CaptionTransport string
	NatsURL          string

	// Languages
	DefaultLanguage  string
	ListenerLanguage string

	// Capture
	DeviceKind       string
	DevicePath       string
	DeviceSampleRate int
	FrameDuration    time.Duration
	ChunkWindow      time.Duration
	OverlapWindow    time.Duration
	TargetSampleRate int
	BatchSize        int

	// Captions and playback
	CaptionTTL      time.Duration
	HistorySize     int
	PlaybackEnabled bool

	// Ambient
	StatusAddr string
	LogLevel   string
	LogFormat  string
}

// Load loads configuration from the .env file, environment variables and flags
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	return LoadFrom(os.Args[1:], os.LookupEnv)
}

// LoadFrom builds a Config from explicit arguments and an environment lookup.
func LoadFrom(args []string, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := defaults()

	// Load from environment
	cfg.Role = getEnv(lookup, "CAPTION_ROLE", cfg.Role)
	cfg.RoomID = getEnv(lookup, "CAPTION_ROOM", cfg.RoomID)
	cfg.UserID = getEnv(lookup, "CAPTION_USER_ID", cfg.UserID)
	cfg.DisplayName = getEnv(lookup, "CAPTION_DISPLAY_NAME", cfg.DisplayName)
	cfg.StateFile = getEnv(lookup, "CAPTION_STATE_FILE", cfg.StateFile)
	cfg.LiveKitURL = getEnv(lookup, "LIVEKIT_URL", cfg.LiveKitURL)
	cfg.LiveKitAPIKey = getEnv(lookup, "LIVEKIT_API_KEY", cfg.LiveKitAPIKey)
	cfg.LiveKitAPISecret = getEnv(lookup, "LIVEKIT_API_SECRET", cfg.LiveKitAPISecret)
	cfg.TokenEndpoint = getEnv(lookup, "TOKEN_ENDPOINT", cfg.TokenEndpoint)
	cfg.TranscribeEndpoint = getEnv(lookup, "TRANSCRIBE_ENDPOINT", cfg.TranscribeEndpoint)
	cfg.TranslateEndpoint = getEnv(lookup, "TRANSLATE_ENDPOINT", cfg.TranslateEndpoint)
	cfg.SpeechEndpoint = getEnv(lookup, "SPEECH_ENDPOINT", cfg.SpeechEndpoint)
	cfg.TranslationBackend = getEnv(lookup, "TRANSLATION_BACKEND", cfg.TranslationBackend)
	cfg.OpenAIAPIKey = getEnv(lookup, "OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = getEnv(lookup, "OPENAI_MODEL", cfg.OpenAIModel)
	cfg.CaptionTransport = getEnv(lookup, "CAPTION_TRANSPORT", cfg.CaptionTransport)
	cfg.NatsURL = getEnv(lookup, "NATS_URL", cfg.NatsURL)
	cfg.DefaultLanguage = getEnv(lookup, "DEFAULT_LANGUAGE", cfg.DefaultLanguage)
	cfg.ListenerLanguage = getEnv(lookup, "LISTENER_LANGUAGE", cfg.ListenerLanguage)
	cfg.DeviceKind = getEnv(lookup, "CAPTURE_DEVICE_KIND", cfg.DeviceKind)
	cfg.DevicePath = getEnv(lookup, "CAPTURE_DEVICE", cfg.DevicePath)
	cfg.StatusAddr = getEnv(lookup, "STATUS_ADDR", cfg.StatusAddr)
	cfg.LogLevel = getEnv(lookup, "LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv(lookup, "LOG_FORMAT", cfg.LogFormat)

	cfg.DeviceSampleRate = getEnvInt(lookup, "CAPTURE_SAMPLE_RATE", cfg.DeviceSampleRate)
	cfg.TargetSampleRate = getEnvInt(lookup, "TARGET_SAMPLE_RATE", cfg.TargetSampleRate)
	cfg.BatchSize = getEnvInt(lookup, "DISPATCH_BATCH_SIZE", cfg.BatchSize)
	cfg.HistorySize = getEnvInt(lookup, "CAPTION_HISTORY", cfg.HistorySize)

	cfg.HTTPTimeout = getEnvDuration(lookup, "HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.FrameDuration = getEnvDuration(lookup, "CAPTURE_FRAME", cfg.FrameDuration)
	cfg.ChunkWindow = getEnvDuration(lookup, "CHUNK_WINDOW", cfg.ChunkWindow)
	cfg.OverlapWindow = getEnvDuration(lookup, "CHUNK_OVERLAP", cfg.OverlapWindow)
	cfg.CaptionTTL = getEnvDuration(lookup, "CAPTION_TTL", cfg.CaptionTTL)

	if v, ok := lookup("PLAYBACK_ENABLED"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PlaybackEnabled = b
		}
	}

	// Override with flags
	fs := flag.NewFlagSet("coralie-live-captions", flag.ContinueOnError)
	fs.StringVar(&cfg.Role, "role", cfg.Role, "Session role (speaker or listener)")
	fs.StringVar(&cfg.RoomID, "room", cfg.RoomID, "Room to join")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "Participant identity")
	fs.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Participant display name")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Local state file (auth token, profile)")
	fs.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	fs.StringVar(&cfg.TokenEndpoint, "token-endpoint", cfg.TokenEndpoint, "Token service URL")
	fs.StringVar(&cfg.TranscribeEndpoint, "transcribe-endpoint", cfg.TranscribeEndpoint, "Transcription service URL")
	fs.StringVar(&cfg.TranslateEndpoint, "translate-endpoint", cfg.TranslateEndpoint, "Translation service URL")
	fs.StringVar(&cfg.SpeechEndpoint, "speech-endpoint", cfg.SpeechEndpoint, "Speech synthesis service URL")
	fs.StringVar(&cfg.TranslationBackend, "translation-backend", cfg.TranslationBackend, "Translation backend (http or openai)")
	fs.StringVar(&cfg.CaptionTransport, "caption-transport", cfg.CaptionTransport, "Caption transport (livekit or nats)")
	fs.StringVar(&cfg.ListenerLanguage, "lang", cfg.ListenerLanguage, "Listener language override")
	fs.StringVar(&cfg.DeviceKind, "device-kind", cfg.DeviceKind, "Capture device kind (pcm or wav)")
	fs.StringVar(&cfg.DevicePath, "device", cfg.DevicePath, "Capture device path, - for stdin")
	fs.IntVar(&cfg.DeviceSampleRate, "sample-rate", cfg.DeviceSampleRate, "Capture device sample rate")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Chunks per transcription submission (0 disables batching)")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout for boundary HTTP calls")
	fs.BoolVar(&cfg.PlaybackEnabled, "playback", cfg.PlaybackEnabled, "Play synthesized speech")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Status HTTP server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text or json)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg.Role = strings.ToLower(strings.TrimSpace(cfg.Role))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Role:               RoleListener,
		HTTPTimeout:        15 * time.Second,
		TranslationBackend: "http",
		OpenAIModel:        "gpt-4o-mini",
		CaptionTransport:   "livekit",
		DefaultLanguage:    "en-US",
		DeviceKind:         "pcm",
		DevicePath:         "-",
		DeviceSampleRate:   48000,
		FrameDuration:      20 * time.Millisecond,
		ChunkWindow:        2 * time.Second,
		OverlapWindow:      500 * time.Millisecond,
		TargetSampleRate:   16000,
		CaptionTTL:         5 * time.Second,
		HistorySize:        5,
		PlaybackEnabled:    true,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate checks required fields and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Role != RoleSpeaker && c.Role != RoleListener {
		return fmt.Errorf("invalid role: %s (must be speaker or listener)", c.Role)
	}
	if c.TokenEndpoint == "" && (c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "") {
		return fmt.Errorf("TOKEN_ENDPOINT or LIVEKIT_API_KEY/LIVEKIT_API_SECRET is required")
	}
	if c.TokenEndpoint == "" && c.LiveKitURL == "" {
		return fmt.Errorf("LIVEKIT_URL is required when tokens are minted locally")
	}
	if c.Role == RoleSpeaker && c.TranscribeEndpoint == "" {
		return fmt.Errorf("TRANSCRIBE_ENDPOINT is required for the speaker role")
	}
	if c.Role == RoleListener {
		switch c.TranslationBackend {
		case "http":
			if c.TranslateEndpoint == "" {
				return fmt.Errorf("TRANSLATE_ENDPOINT is required for the http translation backend")
			}
		case "openai":
			if c.OpenAIAPIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY is required for the openai translation backend")
			}
		default:
			return fmt.Errorf("invalid translation backend: %s (must be http or openai)", c.TranslationBackend)
		}
		if c.SpeechEndpoint == "" {
			return fmt.Errorf("SPEECH_ENDPOINT is required for the listener role")
		}
	}
	switch c.CaptionTransport {
	case "livekit":
	case "nats":
		if c.NatsURL == "" {
			return fmt.Errorf("NATS_URL is required for the nats caption transport")
		}
	default:
		return fmt.Errorf("invalid caption transport: %s (must be livekit or nats)", c.CaptionTransport)
	}
	if c.DeviceKind != "pcm" && c.DeviceKind != "wav" {
		return fmt.Errorf("invalid capture device kind: %s (must be pcm or wav)", c.DeviceKind)
	}
	if c.DeviceSampleRate <= 0 || c.TargetSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.ChunkWindow <= 0 || c.OverlapWindow < 0 || c.OverlapWindow >= c.ChunkWindow {
		return fmt.Errorf("chunk window must be positive and larger than the overlap window")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative, got %d", c.BatchSize)
	}
	if c.HistorySize < 1 {
		c.HistorySize = 5
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return nil
}

func getEnv(lookup func(string) (string, bool), key, defaultValue string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(lookup func(string) (string, bool), key string, defaultValue int) int {
	if value, ok := lookup(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(lookup func(string) (string, bool), key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
