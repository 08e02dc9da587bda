// Package notify surfaces transient, non-fatal conditions to the user.
package notify

import (
	"time"

	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// Kind classifies a notification.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTransport Kind = "transport"
	KindDevice    Kind = "device"
	KindSession   Kind = "session"
)

// Notification is one user-visible message.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier receives notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

// New builds a notification stamped with the current time.
func New(kind Kind, message string) Notification {
	return Notification{Kind: kind, Message: message, Time: time.Now()}
}

// Log writes notifications to the application log.
type Log struct{}

func (Log) Notify(n Notification) {
	switch n.Kind {
	case KindDevice:
		logging.Error(logging.CategoryApp, "[%s] %s", n.Kind, n.Message)
	default:
		logging.Warning(logging.CategoryApp, "[%s] %s", n.Kind, n.Message)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Func adapts a function to the Notifier interface.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }
