// Package app wires the Orbit subsystems into a running application.
//
// The App owns the full lifecycle: New builds the settings store, the
// conversation log, the capture engine, the source arbiter and the realtime
// client and connects their handlers; Run drives background work such as
// playback; Shutdown tears everything down in order.
//
// Capture runs exactly while the session is connected and not muted. Every
// operation that changes one of those two facts goes through the App so the
// rule holds across connects, mutes, source switches and transport drops.
//
// For testing, inject mock media backends and a mock live provider through
// [Backends].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/orbit/internal/arbiter"
	"github.com/MrWong99/orbit/internal/config"
	"github.com/MrWong99/orbit/internal/observe"
	"github.com/MrWong99/orbit/internal/realtime"
	"github.com/MrWong99/orbit/internal/settings"
	"github.com/MrWong99/orbit/internal/transcript"
	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/audio/capture"
	"github.com/MrWong99/orbit/pkg/live"
)

// ErrEmptyText is returned by SendText for blank input.
var ErrEmptyText = errors.New("app: empty text")

const playbackBuffer = 64

// Player plays the model's synthesised audio.
type Player interface {
	// Play writes chunks from ch until it is closed or ctx is done.
	Play(ctx context.Context, ch <-chan []byte)

	// Reset drops audio that is buffered but not yet heard.
	Reset()

	Close() error
}

// Backends holds the platform implementations the App drives. Transport and
// Media are required; the rest are optional.
type Backends struct {
	Transport live.Provider
	Media     audio.UserMedia
	Display   audio.DisplayMedia
	URLs      arbiter.URLOpener
	Player    Player
}

// Status is a point-in-time view of the application.
type Status struct {
	Connection realtime.State `json:"connection"`
	SessionID  string         `json:"sessionId,omitempty"`
	Muted      bool           `json:"muted"`
	Source     arbiter.Status `json:"source"`
	Gain       float64        `json:"gain"`

	// Pending is true while a changed configuration waits for the next
	// connect.
	Pending bool `json:"pending"`

	// Message describes the last failure for display; empty when healthy.
	Message string `json:"message,omitempty"`

	Turns int `json:"turns"`
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the time source for turn timestamps and export names.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	b       Backends
	metrics *observe.Metrics
	now     func() time.Time

	settings *settings.Settings
	log      *transcript.Log
	engine   *capture.Engine
	arbiter  *arbiter.Arbiter
	client   *realtime.Client

	playback chan []byte

	// op serialises Connect, Disconnect, SetMuted and the reaction to a
	// dropped session, so the capture rule is evaluated on a stable state.
	op sync.Mutex

	mu        sync.Mutex
	muted     bool
	capturing bool
	message   string
	startMode arbiter.Mode // applied on the first Connect
	micQuery  string       // resolved on the first Connect

	bg       sync.WaitGroup
	stopOnce sync.Once
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and b. It performs no I/O: devices named in
// the config are resolved and system capture is requested on the first
// Connect.
func New(cfg *config.Config, b Backends, opts ...Option) (*App, error) {
	if b.Transport == nil {
		return nil, errors.New("app: a transport is required")
	}
	if b.Media == nil {
		return nil, errors.New("app: a microphone backend is required")
	}

	a := &App{
		cfg:      cfg,
		b:        b,
		now:      time.Now,
		playback: make(chan []byte, playbackBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Settings ──────────────────────────────────────────────────────
	st, err := settings.New(cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.settings = st
	initial := st.Get()

	// ── 2. Conversation log ──────────────────────────────────────────────
	a.log = transcript.New(
		transcript.WithClock(a.now),
		transcript.WithMetrics(a.metrics),
	)

	// ── 3. Capture engine + arbiter ──────────────────────────────────────
	engineOpts := []capture.Option{capture.WithGain(initial.Gain)}
	if cfg.Audio.ReadSize > 0 {
		engineOpts = append(engineOpts, capture.WithReadSize(cfg.Audio.ReadSize))
	}
	a.engine = capture.New(b.Media, engineOpts...)

	streamURL := cfg.Capture.StreamURL
	if streamURL == "" && initial.SourceType == settings.SourceURL {
		streamURL = initial.CustomURL
	}
	arbOpts := []arbiter.Option{arbiter.WithStreamURL(streamURL)}
	if b.URLs != nil {
		arbOpts = append(arbOpts, arbiter.WithURLOpener(b.URLs))
	}
	if cfg.Capture.MatchThreshold > 0 {
		arbOpts = append(arbOpts, arbiter.WithMatchThreshold(cfg.Capture.MatchThreshold))
	}
	a.arbiter = arbiter.New(a.engine, b.Media, b.Display, arbOpts...)
	a.startMode = cfg.Capture.Mode
	a.micQuery = initial.MicrophoneID

	// ── 4. Realtime client ───────────────────────────────────────────────
	clientOpts := []realtime.Option{realtime.WithMetrics(a.metrics)}
	if cfg.Transport.QueueSize > 0 {
		clientOpts = append(clientOpts, realtime.WithQueueSize(cfg.Transport.QueueSize))
	}
	a.client = realtime.New(b.Transport, initial.LiveConfig(), clientOpts...)

	// ── 5. Handlers ──────────────────────────────────────────────────────
	a.engine.OnFrame(a.handleFrame)
	a.engine.OnError(a.handleCaptureError)
	a.client.OnEvent(a.handleEvent)
	a.client.OnAudio(a.handleAudio)
	a.client.OnState(a.handleState)
	st.OnChange(a.handleSettings)

	return a, nil
}

// Settings returns the settings store. Changes made through it reach the
// realtime client and the capture engine.
func (a *App) Settings() *settings.Settings { return a.settings }

// Log returns the conversation log.
func (a *App) Log() *transcript.Log { return a.log }

// Capabilities describes the configured transport.
func (a *App) Capabilities() live.Capabilities { return a.b.Transport.Capabilities() }

// Status returns the current application state.
func (a *App) Status() Status {
	a.mu.Lock()
	muted, msg := a.muted, a.message
	a.mu.Unlock()
	return Status{
		Connection: a.client.State(),
		SessionID:  a.client.SessionID(),
		Muted:      muted,
		Source:     a.arbiter.Status(),
		Gain:       a.engine.Gain(),
		Pending:    a.client.Pending(),
		Message:    msg,
		Turns:      a.log.Len(),
	}
}

// ─── Session control ─────────────────────────────────────────────────────────

// Connect opens a session with the current settings and, unless muted,
// starts capturing. A capture failure leaves the session connected; its
// message is reported through Status.
func (a *App) Connect(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.prepare(ctx)

	cfg := a.settings.Get().LiveConfig()
	if err := a.client.Connect(ctx, cfg); err != nil {
		a.setMessage(describe(err))
		return err
	}
	a.setMessage("")

	a.mu.Lock()
	muted := a.muted
	a.mu.Unlock()
	if muted {
		return nil
	}
	return a.activate(ctx)
}

// Disconnect stops capture and closes the session. Mute is reset. It is
// idempotent.
func (a *App) Disconnect() {
	a.op.Lock()
	defer a.op.Unlock()

	a.deactivate()
	a.client.Disconnect()

	a.mu.Lock()
	a.muted = false
	a.mu.Unlock()
}

// SetMuted pauses or resumes capture. It only applies while connected.
func (a *App) SetMuted(ctx context.Context, muted bool) error {
	a.op.Lock()
	defer a.op.Unlock()

	if a.client.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}

	a.mu.Lock()
	changed := a.muted != muted
	a.muted = muted
	a.mu.Unlock()
	if !changed {
		return nil
	}

	slog.Info("app: mute changed", "muted", muted)
	if muted {
		a.deactivate()
		return nil
	}
	return a.activate(ctx)
}

// SendText appends text as a final user turn and sends it with end of turn.
func (a *App) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	if a.client.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	if err := a.client.SendText(text, true); err != nil {
		return fmt.Errorf("app: send text: %w", err)
	}
	a.log.Append(transcript.RoleUser, text)
	return nil
}

// ─── Sources ─────────────────────────────────────────────────────────────────

// SwitchSource selects the audio input. Capture restarts on the new source
// if it is running.
func (a *App) SwitchSource(ctx context.Context, mode arbiter.Mode) error {
	a.mu.Lock()
	a.startMode = ""
	a.mu.Unlock()

	err := a.arbiter.Switch(ctx, mode)
	a.reportCapture(ctx, err)
	return err
}

// SelectMicrophone picks the microphone by id or name and stores its id.
func (a *App) SelectMicrophone(ctx context.Context, query string) (audio.DeviceInfo, error) {
	a.mu.Lock()
	a.micQuery = ""
	a.mu.Unlock()

	dev, err := a.arbiter.SelectMicrophone(ctx, query)
	switch {
	case errors.Is(err, arbiter.ErrUnknownDevice):
		return dev, err
	case err == nil, dev.ID != "", query == "":
		// Selected; err, if any, is from restarting capture on it.
		a.settings.SetMicrophone(dev.ID)
	}
	a.reportCapture(ctx, err)
	return dev, err
}

// SetStreamURL sets the URL captured in stream mode and records it as the
// custom media source.
func (a *App) SetStreamURL(ctx context.Context, url string) error {
	if err := a.settings.SetSource(settings.SourceURL, url); err != nil {
		return err
	}
	err := a.arbiter.SetStreamURL(ctx, url)
	a.reportCapture(ctx, err)
	return err
}

// Devices lists audio inputs. See [arbiter.Arbiter.Devices].
func (a *App) Devices(ctx context.Context, refresh bool) ([]audio.DeviceInfo, error) {
	return a.arbiter.Devices(ctx, refresh)
}

// SetGain changes the input gain. It applies to the running capture.
func (a *App) SetGain(g float64) {
	a.settings.SetGain(g)
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// ClearLog removes every turn.
func (a *App) ClearLog() {
	a.log.Clear()
}

// exportConfig records the settings that shaped the conversation.
func (a *App) exportConfig() transcript.Configuration {
	s := a.settings.Get()
	return transcript.Configuration{Model: s.Model, SystemPrompt: s.SystemPrompt}
}

// Export writes the conversation and its configuration to w.
func (a *App) Export(w io.Writer) error {
	return a.log.Export(w, a.exportConfig())
}

// ExportFilename returns the download name for an export taken now.
func (a *App) ExportFilename() string {
	return transcript.Filename(a.now())
}

// Save writes an export into the configured export directory.
func (a *App) Save() (string, error) {
	dir := a.cfg.Export.Dir
	if dir == "" {
		dir = "."
	}
	return a.log.Save(dir, a.exportConfig(), a.now())
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded config. Session changes are queued for the
// next connect, gain applies at once, capture changes reselect the source.
func (a *App) ApplyConfig(ctx context.Context, old, updated *config.Config, d config.ConfigDiff) {
	next := updated.Settings()

	if d.SessionChanged {
		u := settings.Update{
			SystemPrompt:        &next.SystemPrompt,
			Model:               &next.Model,
			Voice:               &next.Voice,
			TargetLanguage:      &next.TargetLanguage,
			Modality:            &next.Modality,
			InputTranscription:  &next.InputTranscription,
			OutputTranscription: &next.OutputTranscription,
			SourceType:          &next.SourceType,
			YouTubeURL:          &next.YouTubeURL,
			JitsiURL:            &next.JitsiURL,
			CustomURL:           &next.CustomURL,
		}
		if next.Persona != "" {
			u.Persona = &next.Persona
		}
		if next.SystemPrompt == "" {
			u.SystemPrompt = nil
		}
		if _, err := a.settings.Apply(withDefaults(u)); err != nil {
			slog.Warn("app: reloaded session settings rejected", "err", err)
		}
	}
	if d.GainChanged {
		a.SetGain(d.NewGain)
	}
	if d.CaptureChanged {
		if updated.Capture.Mode != old.Capture.Mode && updated.Capture.Mode != "" {
			if err := a.SwitchSource(ctx, updated.Capture.Mode); err != nil {
				slog.Warn("app: reloaded capture mode failed", "mode", updated.Capture.Mode, "err", err)
			}
		}
		if updated.Capture.StreamURL != old.Capture.StreamURL && updated.Capture.StreamURL != "" {
			if err := a.SetStreamURL(ctx, updated.Capture.StreamURL); err != nil {
				slog.Warn("app: reloaded stream url failed", "err", err)
			}
		}
		if updated.Audio.Microphone != old.Audio.Microphone {
			if _, err := a.SelectMicrophone(ctx, updated.Audio.Microphone); err != nil {
				slog.Warn("app: reloaded microphone failed", "query", updated.Audio.Microphone, "err", err)
			}
		}
	}
}

// withDefaults fills blank string fields of a reloaded session so that a key
// removed from the file returns to its default instead of failing
// validation.
func withDefaults(u settings.Update) settings.Update {
	d := settings.Defaults()
	if u.Model != nil && *u.Model == "" {
		u.Model = &d.Model
	}
	if u.Voice != nil && *u.Voice == "" {
		u.Voice = &d.Voice
	}
	if u.TargetLanguage != nil && *u.TargetLanguage == "" {
		u.TargetLanguage = &d.TargetLanguage
	}
	if u.Modality != nil && *u.Modality == "" {
		u.Modality = &d.Modality
	}
	if u.SourceType != nil && *u.SourceType == "" {
		u.SourceType = &d.SourceType
	}
	return u
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run plays synthesised audio (or discards it when no player is configured)
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.b.Player != nil {
		go a.b.Player.Play(ctx, a.playback)
	} else {
		go audio.Drain(a.playback)
	}

	slog.Info("app running",
		"transport", a.b.Transport.Capabilities().Name,
		"mode", a.arbiter.Mode(),
		"playback", a.b.Player != nil,
	)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, closes the session and releases every device. It
// respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		done := make(chan struct{})
		go func() {
			defer close(done)
			a.Disconnect()
			a.arbiter.Close()
			a.bg.Wait()
			// Disconnect fenced the audio handler, nothing sends any more.
			close(a.playback)
			if a.b.Player != nil {
				if err := a.b.Player.Close(); err != nil {
					slog.Warn("player close error", "err", err)
				}
			}
		}()

		select {
		case <-done:
			slog.Info("shutdown complete")
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}

// ─── Internals ───────────────────────────────────────────────────────────────

// prepare applies the configured startup selections once. op must be held.
func (a *App) prepare(ctx context.Context) {
	a.mu.Lock()
	mode, query := a.startMode, a.micQuery
	a.startMode, a.micQuery = "", ""
	a.mu.Unlock()

	if query != "" {
		dev, err := a.arbiter.SelectMicrophone(ctx, query)
		if err != nil {
			slog.Warn("app: configured microphone not available, using default", "query", query, "err", err)
		} else {
			a.settings.SetMicrophone(dev.ID)
		}
	}
	if mode != "" && mode != arbiter.ModeMicrophone {
		if err := a.arbiter.Switch(ctx, mode); err != nil {
			slog.Warn("app: configured capture mode failed", "mode", mode, "err", err)
			a.reportCapture(ctx, err)
		}
	}
}

// activate starts capture. op must be held.
func (a *App) activate(ctx context.Context) error {
	err := a.arbiter.Activate(ctx)
	a.reportCapture(ctx, err)
	if err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}
	a.setCapturing(ctx, true)
	return nil
}

// deactivate stops capture. op must be held.
func (a *App) deactivate() {
	a.arbiter.Deactivate()
	a.setCapturing(context.Background(), false)
}

func (a *App) setCapturing(ctx context.Context, on bool) {
	a.mu.Lock()
	changed := a.capturing != on
	a.capturing = on
	a.mu.Unlock()
	if !changed {
		return
	}
	if on {
		a.metrics.ActiveCaptures.Add(ctx, 1)
	} else {
		a.metrics.ActiveCaptures.Add(ctx, -1)
	}
}

func (a *App) setMessage(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.message = msg
}

// reportCapture records a capture or device error for display.
func (a *App) reportCapture(ctx context.Context, err error) {
	if err == nil {
		return
	}
	a.metrics.RecordCaptureError(ctx, captureErrorKind(err))
	a.setMessage(arbiter.Message(err))
}

func captureErrorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrNoAudioTrack):
		return "no_audio_track"
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device"
	default:
		return "other"
	}
}

// describe returns a display message for a connect error.
func describe(err error) string {
	switch {
	case errors.Is(err, live.ErrConfigurationRejected):
		return "The model rejected the session configuration."
	case errors.Is(err, live.ErrConnectionFailed):
		return "Could not connect to the model."
	case errors.Is(err, context.Canceled), errors.Is(err, realtime.ErrSuperseded):
		return ""
	default:
		return "Connection failed."
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (a *App) handleFrame(f audio.Frame) {
	ctx := context.Background()
	a.metrics.FramesCaptured.Add(ctx, 1)
	if err := a.client.SendAudio(f); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		slog.Debug("app: frame not sent", "seq", f.Seq, "err", err)
	}
}

func (a *App) handleCaptureError(err error) {
	slog.Warn("app: capture ended", "err", err)
	a.reportCapture(context.Background(), err)
	a.setCapturing(context.Background(), false)
}

func (a *App) handleEvent(ev live.Event) {
	a.log.Apply(ev)
	switch ev.Kind {
	case live.EventInterrupted:
		if a.b.Player != nil {
			a.b.Player.Reset()
		}
	case live.EventClosed:
		a.setMessage("The connection to the model was lost.")
	}
}

func (a *App) handleAudio(pcm []byte) {
	select {
	case a.playback <- pcm:
	default:
		slog.Debug("app: playback buffer full, dropping audio", "bytes", len(pcm))
	}
}

// handleState stops capture after the transport dropped. It runs on the
// client's goroutine, so the work is handed to a goroutine that takes op.
func (a *App) handleState(s realtime.State) {
	if s != realtime.StateError {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.op.Lock()
		defer a.op.Unlock()
		if a.client.State() == realtime.StateConnected {
			return
		}
		a.deactivate()
		a.mu.Lock()
		a.muted = false
		a.mu.Unlock()
	}()
}

func (a *App) handleSettings(old, updated settings.Snapshot) {
	if settings.SessionChanged(old, updated) {
		a.client.UpdateConfiguration(updated.LiveConfig())
		slog.Info("app: session configuration updated", "applies", "next connect")
	}
	if old.Gain != updated.Gain {
		a.engine.SetGain(updated.Gain)
	}
}
