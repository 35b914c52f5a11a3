// Package realtime owns the lifecycle of one duplex session with a live
// speech model.
//
// A [Client] connects through a [live.Provider], forwards captured frames and
// typed text through a bounded outbound queue drained by a single writer, and
// delivers inbound events to registered handlers in arrival order. It never
// reconnects on its own; see [Retry] for an explicit caller-level retry.
//
// State machine:
//
//	disconnected ──Connect──▶ connecting ──ok──▶ connected
//	      ▲                        │                 │
//	      │                      fail          transport drop
//	      │                        ▼                 ▼
//	      └────────Disconnect──── error ◀────────────┘
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/orbit/internal/observe"
	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

// Sentinel errors returned by Client methods.
var (
	// ErrNotConnected is returned by SendAudio and SendText outside the
	// connected state.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrQueueFull means the outbound queue is saturated; the item was dropped.
	ErrQueueFull = errors.New("realtime: outbound queue full")

	// ErrSuperseded is returned by Connect when Disconnect or another Connect
	// ran before the session was established.
	ErrSuperseded = errors.New("realtime: connect superseded")
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// EventHandler receives inbound events. Handlers run on the client's
// forwarding goroutine and must not call Connect or Disconnect.
type EventHandler func(live.Event)

// AudioHandler receives synthesised PCM. Same restrictions as EventHandler.
type AudioHandler func(pcm []byte)

// StateHandler is notified after every state change.
type StateHandler func(State)

const defaultQueueSize = 64

// Option configures a Client.
type Option func(*Client)

// WithQueueSize sets the outbound queue capacity. Default 64 (about eight
// seconds of 128 ms frames).
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithMetrics records client metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// outbound is one queued send; exactly one of frame or text is set.
type outbound struct {
	frame     *audio.Frame
	text      string
	endOfTurn bool
}

// link is one established session and the goroutines serving it.
type link struct {
	id    string
	sess  live.Session
	out   chan outbound
	quit  chan struct{}
	wrote chan struct{} // writer exited
	read  chan struct{} // event forwarder exited
	heard chan struct{} // audio forwarder exited
}

// Client is a realtime session client. All methods are safe for concurrent use.
type Client struct {
	provider  live.Provider
	queueSize int
	metrics   *observe.Metrics

	mu      sync.Mutex
	state   State
	desired live.Config
	active  live.Config
	lastErr error
	link    *link
	gen     uint64

	onEvent []EventHandler
	onAudio []AudioHandler
	onState []StateHandler

	// eventMu and audioMu serialise handler calls so generation changes can
	// fence them. Lock order: eventMu, audioMu, mu.
	eventMu sync.Mutex
	audioMu sync.Mutex
}

// New creates a disconnected Client. cfg becomes the desired configuration.
func New(provider live.Provider, cfg live.Config, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		queueSize: defaultQueueSize,
		state:     StateDisconnected,
		desired:   cfg,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnEvent registers h for inbound events.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = append(c.onEvent, h)
}

// OnAudio registers h for synthesised audio.
func (c *Client) OnAudio(h AudioHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = append(c.onAudio, h)
}

// OnState registers h for state changes.
func (c *Client) OnState(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, h)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error behind the last transition to [StateError].
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Config returns the configuration of the current or last session.
func (c *Client) Config() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Desired returns the configuration the next Connect should use.
func (c *Client) Desired() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// UpdateConfiguration replaces the desired configuration. A running session
// keeps its configuration until the next Connect.
func (c *Client) UpdateConfiguration(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = cfg
}

// Pending reports whether a connected session runs with a configuration
// other than the desired one.
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.desired != c.active
}

// SessionID returns the id of the established session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.id
}

// Connect opens a session with cfg, replacing any existing one. cfg also
// becomes the desired configuration. On failure the client is left in
// [StateError] and the error wraps [live.ErrConnectionFailed] or
// [live.ErrConfigurationRejected].
func (c *Client) Connect(ctx context.Context, cfg live.Config) error {
	gen, old := c.advance()
	c.UpdateConfiguration(cfg)
	c.shutdown(old)
	c.setState(gen, StateConnecting, nil)

	start := time.Now()
	spanCtx, span := observe.StartSpan(ctx, "realtime.connect", trace.WithAttributes(
		attribute.String("transport", c.provider.Capabilities().Name),
		attribute.String("model", cfg.Model),
	))
	sess, err := c.provider.Connect(spanCtx, cfg)
	observe.EndSpan(span, err)
	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		if !errors.Is(err, live.ErrConnectionFailed) && !errors.Is(err, live.ErrConfigurationRejected) {
			err = fmt.Errorf("%w: %w", live.ErrConnectionFailed, err)
		}
		err = fmt.Errorf("realtime: connect: %w", err)
		c.setState(gen, StateError, err)
		return err
	}

	l := &link{
		id:    uuid.NewString(),
		sess:  sess,
		out:   make(chan outbound, c.queueSize),
		quit:  make(chan struct{}),
		wrote: make(chan struct{}),
		read:  make(chan struct{}),
		heard: make(chan struct{}),
	}
	c.link = l
	c.active = cfg
	c.mu.Unlock()

	// Forwarders start after the transition so a fast remote failure cannot
	// be overwritten by StateConnected.
	c.setState(gen, StateConnected, nil)
	go c.writeLoop(l)
	go c.eventLoop(gen, l)
	go c.audioLoop(gen, l)

	observe.Logger(observe.WithSession(ctx, l.id)).Info("realtime: connected",
		"model", cfg.Model, "voice", cfg.Voice, "took", time.Since(start))
	return nil
}

// Disconnect closes the session. It is idempotent. When it returns, no
// handler is running and none will run for the closed session.
func (c *Client) Disconnect() {
	gen, old := c.advance()
	c.shutdown(old)

	if c.State() != StateDisconnected {
		if old != nil {
			slog.Info("realtime: disconnected", "session_id", old.id)
		}
		c.setState(gen, StateDisconnected, nil)
	}
}

// SendAudio enqueues one frame. It never blocks.
func (c *Client) SendAudio(frame audio.Frame) error {
	return c.enqueue(outbound{frame: &frame})
}

// SendText enqueues a text message behind any queued frames.
func (c *Client) SendText(text string, endOfTurn bool) error {
	return c.enqueue(outbound{text: text, endOfTurn: endOfTurn})
}

func (c *Client) enqueue(item outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.link == nil {
		return ErrNotConnected
	}
	select {
	case c.link.out <- item:
		return nil
	default:
		if item.frame != nil {
			c.metrics.FramesDropped.Add(context.Background(), 1)
		}
		return ErrQueueFull
	}
}

// advance starts a new generation and unhooks the current link. It takes
// the handler locks first, so once it returns no handler of an older
// generation is running and none will start.
func (c *Client) advance() (uint64, *link) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	l := c.link
	c.link = nil
	return c.gen, l
}

// shutdown closes l and waits for its goroutines.
func (c *Client) shutdown(l *link) {
	if l == nil {
		return
	}
	close(l.quit)
	if err := l.sess.Close(); err != nil {
		slog.Warn("realtime: close session", "session_id", l.id, "err", err)
	}
	<-l.wrote
	<-l.read
	<-l.heard
}

// setState records s for generation gen and notifies handlers. Stale
// generations are ignored.
func (c *Client) setState(gen uint64, s State, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s == StateError {
		c.lastErr = err
	}
	handlers := c.onState
	c.mu.Unlock()

	c.metrics.RecordStateTransition(context.Background(), string(s))
	for _, h := range handlers {
		h(s)
	}
}

// writeLoop is the single outbound writer for l.
func (c *Client) writeLoop(l *link) {
	defer close(l.wrote)
	for {
		select {
		case <-l.quit:
			return
		case item := <-l.out:
			var err error
			if item.frame != nil {
				err = l.sess.SendAudio(*item.frame)
				if err == nil {
					c.metrics.FramesSent.Add(context.Background(), 1)
				}
			} else {
				err = l.sess.SendText(item.text, item.endOfTurn)
			}
			if err != nil && !errors.Is(err, live.ErrSessionClosed) {
				// A broken transport is reported by the event loop.
				slog.Debug("realtime: send failed", "session_id", l.id, "err", err)
			}
		}
	}
}

// eventLoop forwards events for l until the session's channel closes. If the
// close was not requested locally it moves the client to StateError and
// delivers a terminal EventClosed.
func (c *Client) eventLoop(gen uint64, l *link) {
	defer close(l.read)
	for ev := range l.sess.Events() {
		c.metrics.RecordTransportEvent(context.Background(), ev.Kind.String())
		c.deliver(gen, ev)
	}

	c.mu.Lock()
	if c.gen != gen || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.mu.Unlock()

	err := l.sess.Err()
	if err == nil {
		err = fmt.Errorf("realtime: session ended by remote: %w", live.ErrConnectionFailed)
	}
	slog.Warn("realtime: session lost", "session_id", l.id, "err", err)

	close(l.quit)
	_ = l.sess.Close()

	c.setState(gen, StateError, err)
	c.deliver(gen, live.Event{Kind: live.EventClosed, Err: err})
}

func (c *Client) audioLoop(gen uint64, l *link) {
	defer close(l.heard)
	for pcm := range l.sess.Audio() {
		c.audioMu.Lock()
		c.mu.Lock()
		current := c.gen == gen
		handlers := c.onAudio
		c.mu.Unlock()
		if current {
			for _, h := range handlers {
				h(pcm)
			}
		}
		c.audioMu.Unlock()
	}
}

// deliver calls the event handlers unless gen is stale.
func (c *Client) deliver(gen uint64, ev live.Event) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.mu.Lock()
	current := c.gen == gen
	handlers := c.onEvent
	c.mu.Unlock()
	if !current {
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}
