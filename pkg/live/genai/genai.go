// Package genai implements the live.Provider interface on top of the Google
// Gen AI SDK's Live client.
//
// It speaks the same Gemini Live protocol as package gemini but lets the SDK
// own the websocket, the setup message and the wire types. Use it when the
// service should follow SDK upgrades rather than the raw protocol.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel     = "gemini-2.5-flash-native-audio-preview-09-2025"
	outputSampleRate = 24000
	setupTimeout     = 15 * time.Second
)

// liveSession is the subset of *genai.Session the provider uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model used when [live.Config.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider opens Gemini Live sessions through the Gen AI SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	// connect is replaced in tests.
	connect connectFunc
}

// New creates a Provider. The SDK client is created lazily on the first
// Connect so construction never performs I/O.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	if p.connect == nil {
		p.connect = p.sdkConnect
	}
	return p
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Name:               "gemini-genai",
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
	}
}

func (p *Provider) sdkConnect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

// Connect opens a session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	cfg = cfg.WithDefaults()
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	ls, err := p.connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w: %w", live.ErrConnectionFailed, err)
	}

	if err := awaitSetup(ctx, ls); err != nil {
		_ = ls.Close()
		return nil, err
	}

	s := &session{
		ls:      ls,
		events:  make(chan live.Event, 64),
		audioCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go s.receiveLoop()
	slog.Debug("genai: session established", "model", model, "voice", cfg.Voice)
	return s, nil
}

// connectConfig maps cfg onto the SDK's setup type.
func connectConfig(cfg live.Config) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality(cfg.Modality)},
	}
	if cfg.Instructions != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

func modality(m live.Modality) genai.Modality {
	if m == live.ModalityText {
		return genai.ModalityText
	}
	return genai.ModalityAudio
}

// awaitSetup blocks until setupComplete or until ctx/setupTimeout expires.
// Receive has no context, so a timeout closes the session to unblock it.
func awaitSetup(ctx context.Context, ls liveSession) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			msg, err := ls.Receive()
			if err != nil || msg.SetupComplete != nil {
				ch <- result{msg, err}
				return
			}
		}
	}()

	timer := time.NewTimer(setupTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return classify("genai: await setup", r.err)
		}
		return nil
	case <-ctx.Done():
		_ = ls.Close()
		return fmt.Errorf("genai: await setup: %w: %w", live.ErrConnectionFailed, ctx.Err())
	case <-timer.C:
		_ = ls.Close()
		return fmt.Errorf("genai: await setup: %w: timed out", live.ErrConnectionFailed)
	}
}

// classify maps policy closes from the SDK's websocket to
// ErrConfigurationRejected and everything else to ErrConnectionFailed.
func classify(op string, err error) error {
	var ce *gorillaws.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case gorillaws.ClosePolicyViolation, gorillaws.CloseInvalidFramePayloadData, gorillaws.CloseUnsupportedData:
			return fmt.Errorf("%s: %w: %s", op, live.ErrConfigurationRejected, ce.Text)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, live.ErrConnectionFailed, err)
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	ls      liveSession
	events  chan live.Event
	audioCh chan []byte

	// sendMu serialises writes; the SDK session is not safe for concurrent sends.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
	errVal error
	done   chan struct{}
}

func (s *session) receiveLoop() {
	defer close(s.events)
	defer close(s.audioCh)

	for {
		msg, err := s.ls.Receive()
		if err != nil {
			if !s.isClosed() {
				s.setErr(classify("genai: receive", err))
			}
			return
		}
		if msg.GoAway != nil {
			slog.Warn("genai: server announced disconnect")
		}
		if msg.ServerContent != nil && !s.handle(msg.ServerContent) {
			return
		}
	}
}

func (s *session) handle(sc *genai.LiveServerContent) bool {
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		if !s.emit(live.Event{Kind: live.EventInputTranscription, Text: t.Text, Final: t.Finished}) {
			return false
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		if !s.emit(live.Event{Kind: live.EventOutputTranscription, Text: t.Text, Final: t.Finished}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		var texts []string
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				select {
				case s.audioCh <- p.InlineData.Data:
				case <-s.done:
					return false
				}
			}
			if p.Text != "" && !p.Thought {
				texts = append(texts, p.Text)
			}
		}
		// One content event per message, parts joined by a space.
		if len(texts) > 0 && !s.emit(live.Event{Kind: live.EventContent, Text: strings.Join(texts, " ")}) {
			return false
		}
	}
	if sc.Interrupted && !s.emit(live.Event{Kind: live.EventInterrupted}) {
		return false
	}
	if sc.TurnComplete && !s.emit(live.Event{Kind: live.EventTurnComplete}) {
		return false
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio implements [live.Session].
func (s *session) SendAudio(frame audio.Frame) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	pcm, err := frame.PCM()
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.ls.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: frame.MIMEType(), Data: pcm},
	}); err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// SendText implements [live.Session].
func (s *session) SendText(text string, endOfTurn bool) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.ls.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(endOfTurn),
	}); err != nil {
		return fmt.Errorf("genai: send text: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan live.Event { return s.events }
func (s *session) Audio() <-chan []byte      { return s.audioCh }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements [live.Session]. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.ls.Close()
}
