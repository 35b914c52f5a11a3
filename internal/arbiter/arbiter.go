// Package arbiter decides which audio input feeds the capture engine.
//
// Three sources compete for the single [capture.Engine]: a microphone, a
// system or tab capture stream, and an external media URL. The [Arbiter]
// keeps exactly one of them selected and always stops the running source
// synchronously before it acquires the next, so two sources never emit
// frames at the same time.
//
// Selecting a source and running capture are separate: [Arbiter.Switch]
// changes the source, [Arbiter.Activate] and [Arbiter.Deactivate] start and
// stop capturing from it. Errors come back as values; [Message] turns them
// into text that can be shown to the user.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/audio/capture"
)

// Errors returned by the arbiter in addition to the audio sentinels.
var (
	// ErrUnknownDevice is returned by SelectMicrophone when nothing matches.
	ErrUnknownDevice = errors.New("arbiter: no matching microphone")

	// ErrInvalidMode is returned by Switch for an unknown mode.
	ErrInvalidMode = errors.New("arbiter: invalid input mode")

	// ErrNoStreamURL is returned when the external source has no URL or no
	// backend that can open one.
	ErrNoStreamURL = errors.New("arbiter: no stream url configured")
)

// Mode is the selected audio input.
type Mode string

const (
	ModeMicrophone    Mode = "microphone"
	ModeSystemCapture Mode = "system-capture"
	ModeStream        Mode = "stream"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeMicrophone, ModeSystemCapture, ModeStream:
		return true
	}
	return false
}

// URLOpener decodes the audio of an external media URL.
type URLOpener interface {
	OpenURL(ctx context.Context, url string) (audio.Stream, error)
}

const defaultMatchThreshold = 0.85

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithURLOpener enables [ModeStream].
func WithURLOpener(o URLOpener) Option {
	return func(a *Arbiter) { a.urls = o }
}

// WithMatchThreshold sets the minimum Jaro-Winkler similarity for a fuzzy
// microphone label match. Default: 0.85.
func WithMatchThreshold(t float64) Option {
	return func(a *Arbiter) { a.threshold = t }
}

// WithMicrophone preselects a microphone id. Empty means the default input.
func WithMicrophone(id string) Option {
	return func(a *Arbiter) { a.micID = id }
}

// WithStreamURL preselects the URL used by [ModeStream].
func WithStreamURL(url string) Option {
	return func(a *Arbiter) { a.streamURL = url }
}

// Status is a point-in-time view of the arbiter.
type Status struct {
	Mode         Mode   `json:"mode"`
	MicrophoneID string `json:"microphoneId"`
	StreamURL    string `json:"streamUrl,omitempty"`
	Active       bool   `json:"active"`
	Capturing    bool   `json:"capturing"`
}

// Arbiter owns the source selection for one capture engine. It is safe for
// concurrent use.
type Arbiter struct {
	engine    *capture.Engine
	media     audio.UserMedia
	display   audio.DisplayMedia
	urls      URLOpener
	threshold float64

	// op serialises Switch, SelectMicrophone, SetStreamURL, Activate and
	// Devices. Deactivate does not take it so it never waits on a pending
	// permission prompt.
	op sync.Mutex

	mu        sync.Mutex
	mode      Mode
	micID     string
	streamURL string
	active    bool
	system    audio.Stream // granted system capture, kept across activations
	external  audio.Stream // opened URL, only while active
	devices   []audio.DeviceInfo
	granted   bool
}

// New returns an arbiter in microphone mode. display may be nil, in which
// case system capture is unavailable.
func New(engine *capture.Engine, media audio.UserMedia, display audio.DisplayMedia, opts ...Option) *Arbiter {
	a := &Arbiter{
		engine:    engine,
		media:     media,
		display:   display,
		threshold: defaultMatchThreshold,
		mode:      ModeMicrophone,
	}
	for _, o := range opts {
		o(a)
	}
	engine.OnError(a.sourceFailed)
	return a
}

// Mode returns the selected input mode.
func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Status returns the current selection.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Mode:         a.mode,
		MicrophoneID: a.micID,
		StreamURL:    a.streamURL,
		Active:       a.active,
		Capturing:    a.engine.Active(),
	}
}

// Switch selects mode. The running source is stopped before the next one is
// acquired. Switching to system capture asks the platform for a capture
// stream; a stream without audio is released at once and yields
// [audio.ErrNoAudioTrack]. If acquisition fails the arbiter falls back to
// the microphone.
func (a *Arbiter) Switch(ctx context.Context, mode Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	a.op.Lock()
	defer a.op.Unlock()

	a.engine.Stop()
	a.mu.Lock()
	system, external := a.system, a.external
	a.system, a.external = nil, nil
	prev := a.mode
	a.mu.Unlock()
	release(system)
	release(external)

	var err error
	if mode == ModeSystemCapture {
		system, err = a.acquireSystem(ctx)
	}

	a.mu.Lock()
	switch {
	case err != nil:
		a.mode = ModeMicrophone
	default:
		a.mode = mode
		a.system = system
	}
	now := a.mode
	a.mu.Unlock()

	if err != nil {
		slog.Warn("arbiter: switch failed", "from", prev, "to", mode, "err", err)
	} else {
		slog.Info("arbiter: input switched", "from", prev, "to", now)
	}
	if startErr := a.restart(ctx); startErr != nil && err == nil {
		err = startErr
	}
	return err
}

func (a *Arbiter) acquireSystem(ctx context.Context) (audio.Stream, error) {
	if a.display == nil {
		return nil, fmt.Errorf("arbiter: system capture not supported: %w", audio.ErrDeviceUnavailable)
	}
	s, err := a.display.GetDisplayMedia(ctx)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, audio.ErrPermissionDenied) {
			return nil, fmt.Errorf("arbiter: system capture: %w: %w", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("arbiter: system capture: %w", err)
	}
	if len(audio.AudioTracks(s)) == 0 {
		if err := audio.StopAll(s); err != nil {
			slog.Warn("arbiter: release capture without audio", "stream", s.ID(), "err", err)
		}
		return nil, fmt.Errorf("arbiter: system capture %s: %w", s.ID(), audio.ErrNoAudioTrack)
	}
	return s, nil
}

// SelectMicrophone picks the microphone used in microphone mode. query is
// matched against device ids first, then against labels, exactly and then
// by Jaro-Winkler similarity. An empty query selects the default input.
func (a *Arbiter) SelectMicrophone(ctx context.Context, query string) (audio.DeviceInfo, error) {
	a.op.Lock()
	defer a.op.Unlock()

	var dev audio.DeviceInfo
	if query != "" {
		devices, err := a.devicesLocked(ctx, false)
		if err != nil {
			return audio.DeviceInfo{}, err
		}
		var ok bool
		dev, ok = a.match(query, devices)
		if !ok {
			return audio.DeviceInfo{}, fmt.Errorf("%w: %q", ErrUnknownDevice, query)
		}
	}

	a.mu.Lock()
	changed := a.micID != dev.ID
	a.micID = dev.ID
	restart := changed && a.mode == ModeMicrophone
	a.mu.Unlock()

	slog.Info("arbiter: microphone selected", "id", dev.ID, "label", dev.Label)
	if restart {
		return dev, a.restart(ctx)
	}
	return dev, nil
}

// match returns the best device for query.
func (a *Arbiter) match(query string, devices []audio.DeviceInfo) (audio.DeviceInfo, bool) {
	for _, d := range devices {
		if d.ID == query {
			return d, true
		}
	}
	q := strings.ToLower(strings.TrimSpace(query))
	for _, d := range devices {
		if strings.ToLower(d.Label) == q {
			return d, true
		}
	}

	var (
		best  audio.DeviceInfo
		score float64
	)
	for _, d := range devices {
		label := strings.ToLower(d.Label)
		s := matchr.JaroWinkler(q, label, false)
		// A query naming one word of a long label ("yeti") should still win.
		for _, word := range strings.Fields(label) {
			s = max(s, matchr.JaroWinkler(q, word, false))
		}
		if s > score {
			best, score = d, s
		}
	}
	if score < a.threshold {
		return audio.DeviceInfo{}, false
	}
	return best, true
}

// SetStreamURL sets the URL captured in stream mode. A running stream
// capture restarts on the new URL.
func (a *Arbiter) SetStreamURL(ctx context.Context, url string) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	changed := a.streamURL != url
	a.streamURL = url
	restart := changed && a.mode == ModeStream
	a.mu.Unlock()

	if restart {
		return a.restart(ctx)
	}
	return nil
}

// Devices lists audio inputs. The first call obtains one permission grant by
// opening and immediately releasing the default microphone; the list is then
// cached until refresh is true.
func (a *Arbiter) Devices(ctx context.Context, refresh bool) ([]audio.DeviceInfo, error) {
	a.op.Lock()
	defer a.op.Unlock()
	return a.devicesLocked(ctx, refresh)
}

// devicesLocked must be called with op held.
func (a *Arbiter) devicesLocked(ctx context.Context, refresh bool) ([]audio.DeviceInfo, error) {
	if a.media == nil {
		return nil, fmt.Errorf("arbiter: no microphone backend: %w", audio.ErrDeviceUnavailable)
	}

	a.mu.Lock()
	granted, cached := a.granted, a.devices
	a.mu.Unlock()

	if !granted {
		s, err := a.media.GetUserMedia(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("arbiter: microphone permission: %w", err)
		}
		if err := audio.StopAll(s); err != nil {
			slog.Warn("arbiter: release permission probe", "err", err)
		}
		a.mu.Lock()
		a.granted = true
		a.mu.Unlock()
	}
	if cached != nil && !refresh {
		return append([]audio.DeviceInfo(nil), cached...), nil
	}

	devices, err := a.media.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbiter: enumerate devices: %w", err)
	}
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
	slog.Debug("arbiter: devices enumerated", "count", len(devices))
	return append([]audio.DeviceInfo(nil), devices...), nil
}

// Activate starts capturing from the selected source. On failure nothing is
// captured and the arbiter stays inactive.
func (a *Arbiter) Activate(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	a.active = true
	a.mu.Unlock()

	if err := a.restart(ctx); err != nil {
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
		return err
	}
	return nil
}

// Deactivate stops capturing. The selected source and a granted system
// capture stream are kept. It is idempotent.
func (a *Arbiter) Deactivate() {
	a.mu.Lock()
	a.active = false
	external := a.external
	a.external = nil
	a.mu.Unlock()

	a.engine.Stop()
	release(external)
}

// Active reports whether capture should be running.
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Close deactivates and releases every acquired stream.
func (a *Arbiter) Close() {
	a.Deactivate()
	a.mu.Lock()
	system := a.system
	a.system = nil
	a.mu.Unlock()
	release(system)
}

// restart (re)starts the engine on the selected source when active. op must
// be held.
func (a *Arbiter) restart(ctx context.Context) error {
	a.mu.Lock()
	active, mode := a.active, a.mode
	micID, url, system := a.micID, a.streamURL, a.system
	external := a.external
	a.external = nil
	a.mu.Unlock()

	a.engine.Stop()
	release(external)
	if !active {
		return nil
	}

	var src capture.Source
	switch mode {
	case ModeMicrophone:
		src = capture.Source{DeviceID: micID}
	case ModeSystemCapture:
		if system == nil {
			return fmt.Errorf("arbiter: system capture not granted: %w", audio.ErrNoAudioTrack)
		}
		src = capture.Source{Stream: system}
	case ModeStream:
		if a.urls == nil || url == "" {
			return ErrNoStreamURL
		}
		s, err := a.urls.OpenURL(ctx, url)
		if err != nil {
			return fmt.Errorf("arbiter: open stream: %w", err)
		}
		a.mu.Lock()
		a.external = s
		a.mu.Unlock()
		src = capture.Source{Stream: s}
	}

	err := a.engine.Start(ctx, src)

	a.mu.Lock()
	stillActive := a.active
	a.mu.Unlock()
	switch {
	case !stillActive:
		// Deactivate ran while starting.
		a.engine.Stop()
		a.releaseExternal()
		return nil
	case err != nil:
		a.releaseExternal()
		return fmt.Errorf("arbiter: start %s: %w", mode, err)
	}
	return nil
}

// sourceFailed runs when a capture session ends on a read error. The arbiter
// becomes inactive and drops the stream that failed; a dead system capture
// stream also returns the mode to the microphone.
func (a *Arbiter) sourceFailed(err error) {
	var serr *capture.SourceError
	if !errors.As(err, &serr) {
		return
	}

	a.mu.Lock()
	if sid := a.engine.SessionID(); sid != "" && sid != serr.SessionID {
		// A newer session already runs.
		a.mu.Unlock()
		return
	}
	var dead audio.Stream
	switch {
	case a.system != nil && serr.Stream == a.system:
		dead, a.system = a.system, nil
		a.mode = ModeMicrophone
	case a.external != nil && serr.Stream == a.external:
		dead, a.external = a.external, nil
	}
	a.active = false
	mode := a.mode
	a.mu.Unlock()

	release(dead)
	slog.Warn("arbiter: capture source failed", "session_id", serr.SessionID, "mode", mode, "released", dead != nil)
}

func (a *Arbiter) releaseExternal() {
	a.mu.Lock()
	s := a.external
	a.external = nil
	a.mu.Unlock()
	release(s)
}

func release(s audio.Stream) {
	if s == nil {
		return
	}
	if err := audio.StopAll(s); err != nil {
		slog.Warn("arbiter: release stream", "stream", s.ID(), "err", err)
	}
}

// Message returns a user-facing description of a capture or device error.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrNoAudioTrack):
		return "Check system audio permissions."
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Access was declined."
	case errors.Is(err, ErrUnknownDevice):
		return "No matching microphone was found."
	case errors.Is(err, ErrNoStreamURL):
		return "Set a stream URL first."
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "The selected audio device is unavailable."
	default:
		return "Audio capture failed."
	}
}
