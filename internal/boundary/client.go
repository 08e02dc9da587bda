// Package boundary holds the clients for the external services the caption
// client talks to: transcription, translation, speech synthesis and the
// room token endpoint. Every failure crossing a boundary is reported as a
// *NetworkError so callers can treat them uniformly as transient.
package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEmptyResult is returned when a service answered successfully but
// without usable content. It is not a failure and callers ignore it.
var ErrEmptyResult = errors.New("empty result")

// NetworkError is a transient failure calling an external service.
type NetworkError struct {
	Service    string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with HTTP %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err is a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// CredentialsFunc returns the bearer token for a request. An empty token
// sends no Authorization header.
type CredentialsFunc func() string

// StaticCredentials returns a CredentialsFunc for a fixed token.
func StaticCredentials(token string) CredentialsFunc {
	return func() string { return token }
}

// jsonClient posts JSON documents with a bounded timeout.
type jsonClient struct {
	service     string
	endpoint    string
	credentials CredentialsFunc
	httpClient  *http.Client
}

func newJSONClient(service, endpoint string, timeout time.Duration, creds CredentialsFunc) jsonClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if creds == nil {
		creds = StaticCredentials("")
	}
	return jsonClient{
		service:     service,
		endpoint:    endpoint,
		credentials: creds,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c jsonClient) post(ctx context.Context, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", c.service, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Service: c.service, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token := c.credentials(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Service: c.service, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &NetworkError{Service: c.service, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NetworkError{Service: c.service, StatusCode: resp.StatusCode, Err: errors.New(truncate(string(respBody), 200))}
	}
	if err := json.Unmarshal(respBody, response); err != nil {
		return &NetworkError{Service: c.service, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
