// Package openai implements the live.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Captured 16 kHz frames are resampled to the 24 kHz PCM16 the API expects;
// transcription and response events are mapped onto [live.Event].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// apiSampleRate is the PCM16 rate of both directions.
	apiSampleRate = 24000

	transcriptionModel = "whisper-1"
	setupTimeout       = 15 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used when [live.Config.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Name:               "openai-realtime",
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		OutputSampleRate:   apiSampleRate,
		MaxSessionDuration: 30 * time.Minute,
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	cfg = cfg.WithDefaults()
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", live.ErrConnectionFailed, err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, 64),
		events:  make(chan live.Event, 64),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.writeJSON(sessionUpdateMessage{Type: "session.update", Session: buildParams(cfg)}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", live.ErrConnectionFailed, err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	if err := sess.awaitUpdated(setupCtx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, err
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildParams(cfg live.Config) sessionParams {
	params := sessionParams{
		Modalities:        []string{"text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Modality == live.ModalityAudio {
		params.Modalities = []string{"audio", "text"}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return params
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	events  chan live.Event

	// writeMu keeps multi-message sends (item + response.create) contiguous.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	// inputText accumulates input transcription deltas per item so the
	// completed event only contributes the unseen suffix.
	inputText map[string]string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// awaitUpdated reads until session.updated. An error event first means the
// configuration was rejected.
func (s *session) awaitUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("openai: await session: %w: %w", live.ErrConfigurationRejected, err)
			}
			return fmt.Errorf("openai: await session: %w: %w", live.ErrConnectionFailed, err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return fmt.Errorf("openai: session update: %w: %s", live.ErrConfigurationRejected, errorMessage(&evt))
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: receive: %w: %w", live.ErrConnectionFailed, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent returns false once the session is closing.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		select {
		case s.audioCh <- pcm:
			return true
		case <-s.ctx.Done():
			return false
		}

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		s.mu.Lock()
		if s.inputText == nil {
			s.inputText = make(map[string]string)
		}
		s.inputText[evt.ItemID] += evt.Delta
		s.mu.Unlock()
		return s.emit(live.Event{Kind: live.EventInputTranscription, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		seen := s.inputText[evt.ItemID]
		delete(s.inputText, evt.ItemID)
		s.mu.Unlock()
		return s.emit(live.Event{
			Kind:  live.EventInputTranscription,
			Text:  strings.TrimPrefix(evt.Transcript, seen),
			Final: true,
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.Event{Kind: live.EventOutputTranscription, Text: evt.Delta})

	case "response.text.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.Event{Kind: live.EventContent, Text: evt.Delta})

	case "input_audio_buffer.speech_started":
		return s.emit(live.Event{Kind: live.EventInterrupted})

	case "response.done":
		return s.emit(live.Event{Kind: live.EventTurnComplete})

	case "error":
		// Errors after setup concern single requests; the session stays up.
		slog.Warn("openai: server error event", "err", errorMessage(evt))
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func errorMessage(evt *serverEvent) string {
	if evt.Error != nil && evt.Error.Message != "" {
		return evt.Error.Message
	}
	return "unknown error"
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.events)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── live.Session methods ──────────────────────────────────────────────────────

// SendAudio resamples the frame to 24 kHz and appends it to the input buffer.
func (s *session) SendAudio(frame audio.Frame) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	pcm, err := frame.PCM()
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	pcm = audio.ResampleMono16(pcm, audio.SampleRate, apiSampleRate)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText creates a user message item and, at end of turn, requests a response.
func (s *session) SendText(text string, endOfTurn bool) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openai: send text: %w", err)
	}
	if endOfTurn {
		if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
			return fmt.Errorf("openai: request response: %w", err)
		}
	}
	return nil
}

// Events returns the channel on which inbound events arrive.
func (s *session) Events() <-chan live.Event { return s.events }

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
