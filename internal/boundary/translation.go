package boundary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// AutoDetect asks the translator to detect the source language.
const AutoDetect = "auto"

// Translator translates caption text.
type Translator interface {
	Translate(ctx context.Context, text, targetLang, sourceLang string) (string, error)
}

type translationPayload struct {
	Text       string `json:"text"`
	TargetLang string `json:"targetLang"`
	SourceLang string `json:"sourceLang"`
}

type translationResponse struct {
	TranslatedText string `json:"translatedText"`
}

// HTTPTranslator calls the translation endpoint.
type HTTPTranslator struct {
	client jsonClient
}

// NewHTTPTranslator creates a translation client.
func NewHTTPTranslator(endpoint string, timeout time.Duration, creds CredentialsFunc) *HTTPTranslator {
	return &HTTPTranslator{client: newJSONClient("translation", endpoint, timeout, creds)}
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, targetLang, sourceLang string) (string, error) {
	var resp translationResponse
	err := t.client.post(ctx, translationPayload{Text: text, TargetLang: targetLang, SourceLang: sourceLang}, &resp)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.TranslatedText)
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}

// OpenAITranslator translates with a chat completion model.
type OpenAITranslator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAITranslator creates a translator backed by the OpenAI API.
// baseURL may be empty for the public endpoint.
func NewOpenAITranslator(apiKey, model, baseURL string, timeout time.Duration) *OpenAITranslator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAITranslator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

func (t *OpenAITranslator) Translate(ctx context.Context, text, targetLang, sourceLang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	source := "the detected source language"
	if sourceLang != "" && sourceLang != AutoDetect {
		source = sourceLang
	}
	instructions := fmt.Sprintf("Translate the user's live caption from %s to %s. Reply with the translation only.", source, targetLang)

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", &NetworkError{Service: "translation", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResult
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}
