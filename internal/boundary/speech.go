package boundary

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Synthesizer converts text to encoded speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

type speechPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type speechResponse struct {
	AudioContent string `json:"audioContent"`
}

// HTTPSynthesizer calls the speech synthesis endpoint.
type HTTPSynthesizer struct {
	client jsonClient
}

// NewHTTPSynthesizer creates a speech synthesis client.
func NewHTTPSynthesizer(endpoint string, timeout time.Duration, creds CredentialsFunc) *HTTPSynthesizer {
	return &HTTPSynthesizer{client: newJSONClient("speech", endpoint, timeout, creds)}
}

// Synthesize returns the decoded audio bytes (WAV or MP3).
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	var resp speechResponse
	if err := s.client.post(ctx, speechPayload{Text: text, Language: language}, &resp); err != nil {
		return nil, err
	}
	if resp.AudioContent == "" {
		return nil, ErrEmptyResult
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, &NetworkError{Service: "speech", Err: fmt.Errorf("invalid audio content: %w", err)}
	}
	return audio, nil
}
