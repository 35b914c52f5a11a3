// Package transcript folds the realtime event stream into an ordered
// conversation history.
//
// Streamed transcription arrives as many small fragments of one utterance.
// The [Log] merges consecutive fragments of the same role into a single open
// [Turn] until a final fragment or a turn-complete event closes it, so one
// spoken sentence becomes one history entry. Only the tail turn is ever open:
//
//	OnInputFragment("Hel", false)  → [user "Hel" open]
//	OnInputFragment("lo", true)    → [user "Hello" final]
//	OnOutputFragment("Hi", false)  → [..., agent "Hi" open]
//	OnTurnComplete()               → [..., agent "Hi" final]
//	OnOutputFragment("Bye", false) → [..., agent "Hi" final, agent "Bye" open]
//
// Every mutation, including the "is the tail open" check, runs under one
// mutex, so fragments from the input and output channels never corrupt each
// other's turn boundaries.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/orbit/internal/observe"
	"github.com/MrWong99/orbit/pkg/live"
)

// Role attributes a turn to a conversation participant.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Turn is one utterance segment of the conversation.
type Turn struct {
	// Seq increases by one for every turn opened since the log was created.
	// It is not reset by Clear.
	Seq uint64

	Role Role

	// Text only grows while the turn is open.
	Text string

	// Final closes the turn to further appends.
	Final bool

	// Timestamp is when the turn was opened.
	Timestamp time.Time
}

// Observer receives a snapshot of the turn list after every change. It runs
// with the log locked and must not call back into the [Log].
type Observer func(turns []Turn)

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithMetrics records turn metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// Log is the conversation history. It is safe for concurrent use.
type Log struct {
	now     func() time.Time
	metrics *observe.Metrics

	mu        sync.Mutex
	turns     []Turn
	seq       uint64
	observers map[int]Observer
	nextObs   int
}

// New returns an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		now:       time.Now,
		observers: make(map[int]Observer),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// OnInputFragment merges a user transcription fragment.
func (l *Log) OnInputFragment(text string, final bool) {
	l.fragment(RoleUser, text, final)
}

// OnOutputFragment merges an agent transcription fragment.
func (l *Log) OnOutputFragment(text string, final bool) {
	l.fragment(RoleAgent, text, final)
}

// OnContent merges model-generated text into the agent stream. It behaves
// like a non-final output fragment; empty content is ignored.
func (l *Log) OnContent(text string) {
	if text == "" {
		return
	}
	l.fragment(RoleAgent, text, false)
}

// OnTurnComplete finalises the tail turn if it is open, whatever its role.
func (l *Log) OnTurnComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()

	tail := l.tail()
	if tail == nil || tail.Final {
		return
	}
	tail.Final = true
	l.notify()
}

// Append adds a complete, final turn. It never merges into the tail.
func (l *Log) Append(role Role, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.open(role, text, true)
	l.notify()
	return t
}

// Clear removes every turn.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.turns) == 0 {
		return
	}
	l.turns = nil
	l.notify()
}

// Turns returns a copy of the turn list in order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Apply dispatches a realtime event to the matching method. Events that do
// not touch the history, like [live.EventClosed], are ignored; a transport
// failure leaves the log as it was.
func (l *Log) Apply(ev live.Event) {
	switch ev.Kind {
	case live.EventInputTranscription:
		l.OnInputFragment(ev.Text, ev.Final)
	case live.EventOutputTranscription:
		l.OnOutputFragment(ev.Text, ev.Final)
	case live.EventContent:
		l.OnContent(ev.Text)
	case live.EventTurnComplete:
		l.OnTurnComplete()
	}
}

// Observe registers fn and returns a function that removes it. fn is called
// once immediately with the current turns.
func (l *Log) Observe(fn Observer) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	fn(l.snapshot())

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

// ── internals ────────────────────────────────────────────────────────────────

// fragment appends text to the open tail of role or opens a new turn. An
// empty final fragment only closes an open tail.
func (l *Log) fragment(role Role, text string, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tail := l.tail(); tail != nil && tail.Role == role && !tail.Final {
		tail.Text += text
		tail.Final = final
		l.notify()
		return
	}
	if text == "" {
		return
	}
	l.open(role, text, final)
	l.notify()
}

// open must be called with mu held.
func (l *Log) open(role Role, text string, final bool) Turn {
	t := Turn{
		Seq:       l.seq,
		Role:      role,
		Text:      text,
		Final:     final,
		Timestamp: l.now(),
	}
	l.seq++
	l.turns = append(l.turns, t)
	l.metrics.RecordTurnOpened(context.Background(), string(role))
	return t
}

// tail must be called with mu held.
func (l *Log) tail() *Turn {
	if len(l.turns) == 0 {
		return nil
	}
	return &l.turns[len(l.turns)-1]
}

// snapshot must be called with mu held.
func (l *Log) snapshot() []Turn {
	return append([]Turn(nil), l.turns...)
}

// notify must be called with mu held.
func (l *Log) notify() {
	if len(l.observers) == 0 {
		return
	}
	turns := l.snapshot()
	for _, fn := range l.observers {
		fn(turns)
	}
}
