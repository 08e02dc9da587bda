// Package captions carries transcript events from the speaker to every
// listener in a room and tracks what each viewer currently sees.
//
// A Bus fans events out over a transport: the LiveKit data channel, a NATS
// subject, or memory for tests. Delivery is at-least-once, so consumers
// deduplicate with Event.Key.
package captions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageType tags caption messages on a shared data channel.
const MessageType = "caption"

// ErrNotCaption is returned when decoding a message of another type.
var ErrNotCaption = errors.New("not a caption message")

// Event is one transcript broadcast.
type Event struct {
	ID             string
	RoomID         string
	ParticipantID  string
	Text           string
	SourceLanguage string
	Timestamp      time.Time
	IsLocal        bool
}

// NewEvent stamps a new event with a unique ID and the current time.
func NewEvent(roomID, participantID, text, language string) Event {
	return Event{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		ParticipantID:  participantID,
		Text:           text,
		SourceLanguage: language,
		Timestamp:      time.Now(),
	}
}

// Key identifies an event for deduplication. Events without an ID are keyed
// by sender, timestamp and text.
func (e Event) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ParticipantID + "|" + strconv.FormatInt(e.Timestamp.UnixMilli(), 10) + "|" + e.Text
}

// wireMessage is the JSON document exchanged between participants.
type wireMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	Text            string `json:"text"`
	Language        string `json:"language"`
	Timestamp       int64  `json:"timestamp"` // unix milliseconds
	ParticipantName string `json:"participantName"`
	IsLocal         bool   `json:"isLocal"`
}

// Encode serializes the event for the wire.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(wireMessage{
		Type:            MessageType,
		ID:              e.ID,
		Text:            e.Text,
		Language:        e.SourceLanguage,
		Timestamp:       e.Timestamp.UnixMilli(),
		ParticipantName: e.ParticipantID,
		IsLocal:         e.IsLocal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode caption: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Messages of another type yield ErrNotCaption.
// The sender's isLocal flag is not trusted; receivers set IsLocal themselves.
func Decode(data []byte, roomID string) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("failed to decode caption: %w", err)
	}
	if msg.Type != MessageType {
		return Event{}, ErrNotCaption
	}
	return Event{
		ID:             msg.ID,
		RoomID:         roomID,
		ParticipantID:  msg.ParticipantName,
		Text:           msg.Text,
		SourceLanguage: msg.Language,
		Timestamp:      time.UnixMilli(msg.Timestamp),
	}, nil
}
