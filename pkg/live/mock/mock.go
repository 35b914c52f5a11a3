// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events and inspect what the client sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	s, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Kind: live.EventInputTranscription, Text: "Hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive Connect calls. When exhausted,
	// Connect returns a fresh NewSession.
	Sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, blocks Connect until it is closed or ctx is done.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	opened []*Session
}

var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns the next session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	} else {
		s = NewSession()
	}
	p.opened = append(p.opened, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Opened returns the sessions handed out so far.
func (p *Provider) Opened() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.opened...)
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	events  chan live.Event
	audioCh chan []byte
	ended   bool
	errVal  error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// Block, if non-nil, makes SendAudio wait until it is closed.
	Block chan struct{}

	// Frames records every frame passed to SendAudio in order.
	Frames []audio.Frame

	// Texts records every SendText call in order.
	Texts []TextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// TextCall records a single invocation of Session.SendText.
type TextCall struct {
	Text      string
	EndOfTurn bool
}

var _ live.Session = (*Session)(nil)

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		events:  make(chan live.Event, 64),
		audioCh: make(chan []byte, 64),
	}
}

// Emit delivers ev on the events channel. It returns false after the
// session ended.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// EmitAudio delivers a PCM chunk on the audio channel.
func (s *Session) EmitAudio(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.audioCh <- pcm
	return true
}

// Fail ends the session as a transport failure would: Err returns err and
// both channels are closed.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.errVal = err
	s.end()
}

// end must be called with mu held.
func (s *Session) end() {
	s.ended = true
	close(s.events)
	close(s.audioCh)
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Session) SendAudio(frame audio.Frame) error {
	s.mu.Lock()
	block := s.Block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	s.Frames = append(s.Frames, frame)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string, endOfTurn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	s.Texts = append(s.Texts, TextCall{Text: text, EndOfTurn: endOfTurn})
	return s.SendTextErr
}

// Events returns the events channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Audio returns the audio channel.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and closes both channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.end()
	}
	return nil
}

// SentFrames returns a copy of Frames. Thread-safe.
func (s *Session) SentFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.Frames...)
}

// SentTexts returns a copy of Texts. Thread-safe.
func (s *Session) SentTexts() []TextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TextCall(nil), s.Texts...)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
