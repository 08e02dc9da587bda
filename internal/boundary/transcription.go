package boundary

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// TranscriptionRequest is one audio submission.
type TranscriptionRequest struct {
	UserID             string
	RoomID             string
	ChunkIndex         int
	TotalChunks        int
	WAV                []byte
	TargetLanguageCode string
}

// TranscriptionResult is a usable transcription: text and synthesized audio
// are both present.
type TranscriptionResult struct {
	Text     string
	Language string
	Audio    []byte
}

// Transcriber submits audio for transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error)
}

type transcriptionPayload struct {
	UserID             string `json:"userId"`
	RoomID             string `json:"roomId"`
	ChunkIndex         int    `json:"chunkIndex"`
	TotalChunks        int    `json:"totalChunks"`
	Audio              string `json:"audio"`
	TargetLanguageCode string `json:"targetLanguageCode"`
	AudioFormat        string `json:"audioFormat"`
}

type transcriptionResponse struct {
	Text         string `json:"text"`
	Language     string `json:"language"`
	AudioContent string `json:"audioContent"`
}

// HTTPTranscriber posts WAV chunks to the transcription endpoint.
type HTTPTranscriber struct {
	client jsonClient
}

// NewHTTPTranscriber creates a transcription client.
func NewHTTPTranscriber(endpoint string, timeout time.Duration, creds CredentialsFunc) *HTTPTranscriber {
	return &HTTPTranscriber{client: newJSONClient("transcription", endpoint, timeout, creds)}
}

// Transcribe submits a chunk. A response missing either text or audio
// yields ErrEmptyResult.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	payload := transcriptionPayload{
		UserID:             req.UserID,
		RoomID:             req.RoomID,
		ChunkIndex:         req.ChunkIndex,
		TotalChunks:        req.TotalChunks,
		Audio:              base64.StdEncoding.EncodeToString(req.WAV),
		TargetLanguageCode: req.TargetLanguageCode,
		AudioFormat:        "wav",
	}

	var resp transcriptionResponse
	if err := t.client.post(ctx, payload, &resp); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" || resp.AudioContent == "" {
		return nil, ErrEmptyResult
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, &NetworkError{Service: "transcription", Err: fmt.Errorf("invalid audio content: %w", err)}
	}
	return &TranscriptionResult{Text: text, Language: resp.Language, Audio: audio}, nil
}
