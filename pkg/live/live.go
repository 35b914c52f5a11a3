// Package live defines the Provider interface for realtime speech-to-speech
// model sessions.
//
// A live session is a persistent duplex connection: the client streams 16 kHz
// PCM frames and typed text in, and the model streams back transcriptions of
// both sides, text content, turn boundaries and synthesised audio. Concrete
// transports live in sub-packages (gemini for the raw Gemini Live websocket
// protocol, genai for the Google Gen AI SDK, openai for the OpenAI Realtime
// API).
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/orbit/pkg/audio"
)

// Sentinel errors returned (wrapped) by Connect and by session methods.
var (
	// ErrConnectionFailed means the transport could not be reached or dropped.
	ErrConnectionFailed = errors.New("live: connection failed")

	// ErrConfigurationRejected means the remote refused the session setup,
	// for example because of an unknown model or voice.
	ErrConfigurationRejected = errors.New("live: configuration rejected")

	// ErrSessionClosed is returned by send methods after Close.
	ErrSessionClosed = errors.New("live: session closed")
)

// Modality is the response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// IsValid reports whether m is a known modality.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityAudio, ModalityText:
		return true
	}
	return false
}

// Config is the session setup sent on connect.
type Config struct {
	// Model is the provider model id, e.g. "gemini-2.5-flash-native-audio-preview-09-2025".
	Model string `json:"model" yaml:"model"`

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string `json:"voice" yaml:"voice"`

	// Instructions is the system instruction.
	Instructions string `json:"instructions" yaml:"instructions"`

	// Modality defaults to [ModalityAudio] when empty.
	Modality Modality `json:"modality" yaml:"modality"`

	// InputTranscription enables transcription of the captured audio.
	InputTranscription bool `json:"input_transcription" yaml:"input_transcription"`

	// OutputTranscription enables transcription of the synthesised audio.
	OutputTranscription bool `json:"output_transcription" yaml:"output_transcription"`
}

// WithDefaults returns c with an empty modality replaced by audio.
func (c Config) WithDefaults() Config {
	if c.Modality == "" {
		c.Modality = ModalityAudio
	}
	return c
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventInputTranscription carries a fragment of the user's recognised speech.
	EventInputTranscription EventKind = iota + 1

	// EventOutputTranscription carries a fragment of the model's spoken reply.
	EventOutputTranscription

	// EventContent carries a text part of the model's reply.
	EventContent

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted means the model stopped speaking because the user
	// barged in. Buffered playback should be dropped.
	EventInterrupted

	// EventClosed is the terminal event of a session that ended without a
	// local Disconnect. Err holds the cause.
	EventClosed
)

// String returns the wire-style name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventInputTranscription:
		return "inputTranscription"
	case EventOutputTranscription:
		return "outputTranscription"
	case EventContent:
		return "content"
	case EventTurnComplete:
		return "turncomplete"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one inbound notification from a live session.
type Event struct {
	Kind EventKind

	// Text is the fragment for transcription and content events.
	Text string

	// Final marks the last fragment of a transcription.
	Final bool

	// Err is set on [EventClosed].
	Err error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Name identifies the transport in logs and metrics.
	Name string

	// Voices lists the prebuilt voices the provider accepts.
	Voices []string

	// OutputSampleRate is the sample rate of the PCM returned by Session.Audio.
	OutputSampleRate int

	// MaxSessionDuration is the provider's hard session limit; zero if none.
	MaxSessionDuration time.Duration
}

// Session is an open live session.
//
// Events and Audio are closed when the session ends, either through Close or
// because the transport failed; in the latter case Err returns the cause.
// Consumers must drain both channels promptly.
type Session interface {
	// SendAudio streams one captured frame.
	SendAudio(frame audio.Frame) error

	// SendText sends a typed user message. endOfTurn asks the model to reply.
	SendText(text string, endOfTurn bool) error

	// Events returns inbound events in arrival order.
	Events() <-chan Event

	// Audio returns synthesised 16-bit mono PCM at
	// [Capabilities.OutputSampleRate].
	Audio() <-chan []byte

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close ends the session. It is idempotent.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect opens a session and returns once the remote accepted the setup.
	// Errors wrap [ErrConnectionFailed] or [ErrConfigurationRejected].
	Connect(ctx context.Context, cfg Config) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
