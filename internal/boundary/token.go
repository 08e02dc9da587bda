package boundary

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/livekit/protocol/auth"
)

// Credentials are what a participant needs to join a room.
type Credentials struct {
	Token string
	WSURL string
}

// TokenSource fetches room credentials.
type TokenSource interface {
	FetchToken(ctx context.Context, roomID, userID, displayName string) (*Credentials, error)
}

type tokenPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	WSURL   string `json:"wsUrl"`
}

// HTTPTokenSource asks the token endpoint for credentials.
type HTTPTokenSource struct {
	client jsonClient
}

// NewHTTPTokenSource creates a token endpoint client.
func NewHTTPTokenSource(endpoint string, timeout time.Duration, creds CredentialsFunc) *HTTPTokenSource {
	return &HTTPTokenSource{client: newJSONClient("token", endpoint, timeout, creds)}
}

func (s *HTTPTokenSource) FetchToken(ctx context.Context, roomID, userID, _ string) (*Credentials, error) {
	var resp tokenResponse
	if err := s.client.post(ctx, tokenPayload{RoomID: roomID, UserID: userID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" || resp.WSURL == "" {
		return nil, &NetworkError{Service: "token", Err: errors.New("token service did not issue credentials")}
	}
	return &Credentials{Token: resp.Token, WSURL: resp.WSURL}, nil
}

// LocalTokenSource mints room tokens with a LiveKit API key pair.
type LocalTokenSource struct {
	URL       string
	APIKey    string
	APISecret string
	ValidFor  time.Duration
}

func (s *LocalTokenSource) FetchToken(_ context.Context, roomID, userID, displayName string) (*Credentials, error) {
	wsURL, err := buildWSURL(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid LiveKit URL: %w", err)
	}
	validFor := s.ValidFor
	if validFor <= 0 {
		validFor = time.Hour
	}

	at := auth.NewAccessToken(s.APIKey, s.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomID,
	}
	at.AddGrant(grant).
		SetIdentity(userID).
		SetName(displayName).
		SetValidFor(validFor)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to sign room token: %w", err)
	}
	return &Credentials{Token: token, WSURL: wsURL}, nil
}

func buildWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
