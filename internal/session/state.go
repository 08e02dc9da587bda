// Package session drives one participant through a caption room: readiness,
// token, join, then publishing (speaker) or subscribing (listener), and leave.
//
// The lifecycle is a pure transition function; Session runs its effects.
package session

import (
	"github.com/LastBotInc/coralie-live-captions/internal/boundary"
	"github.com/LastBotInc/coralie-live-captions/internal/config"
	"github.com/LastBotInc/coralie-live-captions/internal/transport"
)

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingReadiness
	StateConnected
	StatePublishing
	StateSubscribing
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReadiness:
		return "awaiting_readiness"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateSubscribing:
		return "subscribing"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Flag is a readiness precondition.
type Flag int

const (
	FlagRecording Flag = iota
	FlagCaptureStream
	FlagIdentity
)

// Readiness holds the preconditions for connecting.
type Readiness struct {
	Recording     bool
	CaptureStream bool
	Identity      bool
}

func (r Readiness) with(f Flag, v bool) Readiness {
	switch f {
	case FlagRecording:
		r.Recording = v
	case FlagCaptureStream:
		r.CaptureStream = v
	case FlagIdentity:
		r.Identity = v
	}
	return r
}

// Satisfied reports whether role may connect. Listeners only need an
// identity.
func (r Readiness) Satisfied(role string) bool {
	if role == config.RoleSpeaker {
		return r.Recording && r.CaptureStream && r.Identity
	}
	return r.Identity
}

// Event is an input to the state machine.
type Event interface {
	event()
}

// Resolved carries the room and role once they are known.
type Resolved struct {
	RoomID string
	Role   string
}

// ReadinessChanged sets or clears one readiness flag.
type ReadinessChanged struct {
	Flag  Flag
	Ready bool
}

type TokenFetched struct {
	Credentials *boundary.Credentials
}

type TokenFailed struct {
	Err error
}

type Joined struct {
	Conn transport.Conn
}

type JoinFailed struct {
	Err error
}

// Leave ends the session from any state.
type Leave struct{}

func (Resolved) event()         {}
func (ReadinessChanged) event() {}
func (TokenFetched) event()     {}
func (TokenFailed) event()      {}
func (Joined) event()           {}
func (JoinFailed) event()       {}
func (Leave) event()            {}

// Effect is work the runner performs after a transition.
type Effect int

const (
	EffectFetchToken Effect = iota
	EffectJoin
	EffectStartPublishing
	EffectStartSubscribing
	EffectStopCapture
	EffectReleaseTransport
	// EffectDiscardConn closes a connection that arrived when no longer
	// wanted.
	EffectDiscardConn
)

func (e Effect) String() string {
	switch e {
	case EffectFetchToken:
		return "fetch_token"
	case EffectJoin:
		return "join"
	case EffectStartPublishing:
		return "start_publishing"
	case EffectStartSubscribing:
		return "start_subscribing"
	case EffectStopCapture:
		return "stop_capture"
	case EffectReleaseTransport:
		return "release_transport"
	case EffectDiscardConn:
		return "discard_conn"
	default:
		return "unknown"
	}
}

// Machine is the session lifecycle value.
type Machine struct {
	State  State
	RoomID string
	Role   string
	Ready  Readiness
}

func validRole(role string) bool {
	return role == config.RoleSpeaker || role == config.RoleListener
}

// Transition applies ev to m. Events that make no sense in the current
// state leave it unchanged.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	if m.State == StateLeft {
		if _, ok := ev.(Joined); ok {
			return m, []Effect{EffectDiscardConn}
		}
		return m, nil
	}

	switch ev := ev.(type) {
	case Leave:
		var effects []Effect
		if m.Role == config.RoleSpeaker {
			effects = append(effects, EffectStopCapture)
		}
		effects = append(effects, EffectReleaseTransport)
		m.State = StateLeft
		return m, effects

	case Resolved:
		if m.State != StateIdle {
			return m, nil
		}
		if ev.RoomID == "" || !validRole(ev.Role) {
			m.State = StateLeft
			return m, nil
		}
		m.RoomID = ev.RoomID
		m.Role = ev.Role
		m.State = StateAwaitingReadiness
		return advance(m)

	case ReadinessChanged:
		m.Ready = m.Ready.with(ev.Flag, ev.Ready)
		if m.State == StateAwaitingReadiness {
			return advance(m)
		}
		return m, nil

	case TokenFetched:
		if m.State != StateConnected {
			return m, nil
		}
		return m, []Effect{EffectJoin}

	case TokenFailed:
		if m.State != StateConnected {
			return m, nil
		}
		return backToReadiness(m), nil

	case Joined:
		if m.State != StateConnected {
			return m, []Effect{EffectDiscardConn}
		}
		if m.Role == config.RoleSpeaker {
			m.State = StatePublishing
			return m, []Effect{EffectStartPublishing}
		}
		m.State = StateSubscribing
		return m, []Effect{EffectStartSubscribing}

	case JoinFailed:
		if m.State != StateConnected {
			return m, nil
		}
		return backToReadiness(m), nil
	}
	return m, nil
}

func advance(m Machine) (Machine, []Effect) {
	if !m.Ready.Satisfied(m.Role) {
		return m, nil
	}
	m.State = StateConnected
	return m, []Effect{EffectFetchToken}
}

// backToReadiness requires identity to be confirmed again so a failure
// never loops straight back into a token request.
func backToReadiness(m Machine) Machine {
	m.State = StateAwaitingReadiness
	m.Ready.Identity = false
	return m
}
