package captions

import (
	"sync"
	"time"
)

// Default display parameters.
const (
	DefaultTTL     = 5 * time.Second
	DefaultHistory = 5
	seenCapacity   = 128
)

// Caption is one displayed line.
type Caption struct {
	Text          string    `json:"text"`
	Language      string    `json:"language"`
	ParticipantID string    `json:"participantId"`
	Translated    bool      `json:"translated"`
	ShownAt       time.Time `json:"shownAt"`
	key           string
}

// Snapshot is a copy of the display state.
type Snapshot struct {
	Current *Caption  `json:"current"`
	History []Caption `json:"history"`
}

// Ticket authorizes one Show. A newer Clear invalidates older tickets so a
// slow translation cannot overwrite a fresher caption.
type Ticket uint64

// DisplayState is what one viewer sees: the current caption with its
// expiry timer and a bounded history of recent captions.
type DisplayState struct {
	ttl         time.Duration
	historySize int

	mu         sync.Mutex
	current    *Caption
	generation uint64
	timer      *time.Timer
	history    []Caption
	seen       map[string]struct{}
	seenOrder  []string
	observers  []func(Snapshot)
	closed     bool
}

// NewDisplayState creates a display with the given caption lifetime and
// history bound. Non-positive values select the defaults.
func NewDisplayState(ttl time.Duration, historySize int) *DisplayState {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	return &DisplayState{
		ttl:         ttl,
		historySize: historySize,
		seen:        make(map[string]struct{}),
	}
}

// MarkSeen records an event and reports whether it was new. Redelivered
// events return false and must not be processed again.
func (d *DisplayState) MarkSeen(e Event) bool {
	key := e.Key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.seenOrder = append(d.seenOrder, key)
	if len(d.seenOrder) > seenCapacity {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	return true
}

// Clear removes the current caption, cancels its timer and returns the
// ticket for the next Show.
func (d *DisplayState) Clear() Ticket {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	d.generation++
	ticket := Ticket(d.generation)
	d.stopTimerLocked()
	changed := d.current != nil
	d.current = nil
	snap, observers := d.snapshotLocked(), d.observers
	d.mu.Unlock()

	if changed {
		notify(observers, snap)
	}
	return ticket
}

// Show displays a caption if the ticket is still current and arms the
// auto-clear timer. It reports whether the caption was shown.
func (d *DisplayState) Show(t Ticket, e Event, text, language string, translated bool) bool {
	d.mu.Lock()
	if d.closed || uint64(t) != d.generation {
		d.mu.Unlock()
		return false
	}
	c := Caption{
		Text:          text,
		Language:      language,
		ParticipantID: e.ParticipantID,
		Translated:    translated,
		ShownAt:       time.Now(),
		key:           e.Key(),
	}
	d.current = &c
	d.appendHistoryLocked(c)

	gen := d.generation
	d.stopTimerLocked()
	d.timer = time.AfterFunc(d.ttl, func() { d.expire(gen) })
	snap, observers := d.snapshotLocked(), d.observers
	d.mu.Unlock()

	notify(observers, snap)
	return true
}

// Current reports the ticket's validity without showing anything.
func (d *DisplayState) Current(t Ticket) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && uint64(t) == d.generation
}

func (d *DisplayState) expire(gen uint64) {
	d.mu.Lock()
	if d.generation != gen || d.current == nil {
		d.mu.Unlock()
		return
	}
	d.current = nil
	d.timer = nil
	snap, observers := d.snapshotLocked(), d.observers
	d.mu.Unlock()

	notify(observers, snap)
}

func (d *DisplayState) appendHistoryLocked(c Caption) {
	for _, h := range d.history {
		if h.key == c.key {
			return
		}
	}
	d.history = append(d.history, c)
	if len(d.history) > d.historySize {
		d.history = append([]Caption(nil), d.history[len(d.history)-d.historySize:]...)
	}
}

func (d *DisplayState) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Snapshot returns a copy of the current state.
func (d *DisplayState) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *DisplayState) snapshotLocked() Snapshot {
	s := Snapshot{History: append([]Caption(nil), d.history...)}
	if d.current != nil {
		c := *d.current
		s.Current = &c
	}
	return s
}

// Observe registers fn to receive a snapshot after every change.
func (d *DisplayState) Observe(fn func(Snapshot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Close stops the timer and rejects further updates.
func (d *DisplayState) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.generation++
	d.stopTimerLocked()
}

func notify(observers []func(Snapshot), s Snapshot) {
	for _, fn := range observers {
		fn(s)
	}
}
