// Package profile reads the locally persisted client state: the auth token,
// the user profile and the session-scoped listener language override.
// The state is consumed read-only.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// State is the locally persisted client state.
type State struct {
	AuthToken        string  `yaml:"auth_token"`
	Profile          Profile `yaml:"profile"`
	ListenerLanguage string  `yaml:"listener_language"`
}

// Profile is the user's stored profile.
type Profile struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Language    string `yaml:"language"`
}

// Load reads the state file. A missing file yields an empty State.
func Load(path string) (*State, error) {
	if path == "" {
		return &State{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return &st, nil
}

// ResolveLanguage picks the listener's target language: explicit override,
// else profile preference, else fallback.
func ResolveLanguage(override, preference, fallback string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	if v := strings.TrimSpace(preference); v != "" {
		return v
	}
	return fallback
}

// TargetLanguage resolves the target language for this state.
func (s *State) TargetLanguage(override, fallback string) string {
	if s == nil {
		return ResolveLanguage(override, "", fallback)
	}
	if strings.TrimSpace(override) == "" {
		override = s.ListenerLanguage
	}
	return ResolveLanguage(override, s.Profile.Language, fallback)
}
