// Package capture turns a live audio track into the fixed-size PCM frames
// streamed to the speech model.
//
// An [Engine] owns at most one capture session. Each session runs a sampling
// goroutine that downmixes, resamples to 16 kHz, accumulates
// [audio.FrameSamples] samples, applies gain and quantises to base64 PCM.
// Frames are delivered to the handlers registered with [Engine.OnFrame]
// under the engine lock, so once [Engine.Stop] returns no further frame is
// emitted.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/orbit/pkg/audio"
)

// ErrSuperseded is returned by [Engine.Start] when a Stop or another Start
// happened while the source was still being acquired.
var ErrSuperseded = errors.New("capture: start superseded")

const defaultReadSize = 960 // 20 ms at 48 kHz

// Source identifies what to capture. When Stream is set it is used as-is and
// stays owned by the caller; otherwise DeviceID is opened through the
// engine's [audio.UserMedia] and released when the session ends.
type Source struct {
	DeviceID string
	Stream   audio.Stream
}

// String returns a short description for logs.
func (s Source) String() string {
	switch {
	case s.Stream != nil:
		return "stream:" + s.Stream.ID()
	case s.DeviceID == "":
		return "device:default"
	default:
		return "device:" + s.DeviceID
	}
}

// FrameHandler receives every emitted frame. It runs with the engine lock held
// and must not call back into the engine.
type FrameHandler func(audio.Frame)

// ErrorHandler receives errors that ended a capture session. The error is
// a [*SourceError].
type ErrorHandler func(error)

// SourceError reports a session that ended on a read error. Stream is the
// source it read from; the engine has already released it when the engine
// opened it itself.
type SourceError struct {
	SessionID string
	Stream    audio.Stream
	Owned     bool
	Err       error
}

func (e *SourceError) Error() string { return e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// Option configures an [Engine].
type Option func(*Engine)

// WithReadSize sets the number of samples per channel requested from the
// track on each read. Defaults to 960.
func WithReadSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.readSize = n
		}
	}
}

// WithGain sets the initial gain. Defaults to 1.0.
func WithGain(g float64) Option {
	return func(e *Engine) {
		e.SetGain(g)
	}
}

// Engine is the audio capture engine. All methods are safe for concurrent use.
type Engine struct {
	media    audio.UserMedia
	readSize int
	gain     atomic.Uint64 // math.Float64bits

	mu       sync.Mutex
	sess     *session
	lastDone chan struct{}
	gen      uint64
	onFrame  []FrameHandler
	onError  []ErrorHandler
}

type session struct {
	id     string
	source string
	stream audio.Stream
	owned  bool
	seq    uint64

	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

// New returns an engine that opens devices through media. media may be nil
// when only [Source.Stream] sources are used.
func New(media audio.UserMedia, opts ...Option) *Engine {
	e := &Engine{
		media:    media,
		readSize: defaultReadSize,
	}
	e.gain.Store(math.Float64bits(1))
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnFrame registers h to receive frames.
func (e *Engine) OnFrame(h FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = append(e.onFrame, h)
}

// OnError registers h to receive session-ending errors.
func (e *Engine) OnError(h ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, h)
}

// SetGain sets the gain applied before quantisation, clamped to
// [0, audio.MaxGain]. It takes effect from the next frame.
func (e *Engine) SetGain(g float64) {
	e.gain.Store(math.Float64bits(audio.ClampGain(g)))
}

// Gain returns the current gain.
func (e *Engine) Gain() float64 {
	return math.Float64frombits(e.gain.Load())
}

// Active reports whether a capture session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

// SessionID returns the id of the running session, or "".
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.id
}

// Start stops any running session, acquires src and starts sampling it. It
// returns once the sampling goroutine is running. Acquisition errors wrap
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable]; a source
// without audio tracks yields [audio.ErrNoAudioTrack].
func (e *Engine) Start(ctx context.Context, src Source) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	prev := e.detach()
	e.mu.Unlock()
	e.release(prev)

	stream, owned, err := e.acquire(ctx, src)
	if err != nil {
		return err
	}
	tracks := audio.AudioTracks(stream)
	if len(tracks) == 0 {
		if owned {
			_ = audio.StopAll(stream)
		}
		return fmt.Errorf("capture: %s: %w", src, audio.ErrNoAudioTrack)
	}

	s := &session{
		id:     uuid.NewString(),
		source: src.String(),
		stream: stream,
		owned:  owned,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		if owned {
			_ = audio.StopAll(stream)
		}
		return ErrSuperseded
	}
	prevDone := e.lastDone
	e.sess = s
	e.lastDone = s.done
	e.mu.Unlock()

	slog.Info("capture started",
		"session_id", s.id,
		"source", s.source,
		"track", tracks[0].Label(),
		"format", tracks[0].Format().String(),
	)
	go e.run(s, tracks[0], prevDone)
	return nil
}

// Stop ends the running session. It is idempotent and safe from any state;
// after it returns no further frame is emitted. A pending Start fails with
// [ErrSuperseded].
func (e *Engine) Stop() {
	e.mu.Lock()
	e.gen++
	s := e.detach()
	e.mu.Unlock()
	e.release(s)
}

// detach marks the current session stopped and clears it. e.mu must be held.
func (e *Engine) detach() *session {
	s := e.sess
	if s == nil {
		return nil
	}
	e.sess = nil
	s.stopped = true
	close(s.quit)
	return s
}

func (e *Engine) release(s *session) {
	if s == nil {
		return
	}
	if s.owned {
		if err := audio.StopAll(s.stream); err != nil {
			slog.Warn("capture: failed to release source", "session_id", s.id, "err", err)
		}
	}
	slog.Info("capture stopped", "session_id", s.id, "source", s.source, "frames", s.seq)
}

func (e *Engine) acquire(ctx context.Context, src Source) (audio.Stream, bool, error) {
	if src.Stream != nil {
		return src.Stream, false, nil
	}
	if e.media == nil {
		return nil, false, fmt.Errorf("capture: no microphone backend: %w", audio.ErrDeviceUnavailable)
	}
	stream, err := e.media.GetUserMedia(ctx, src.DeviceID)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, audio.ErrPermissionDenied) {
			return nil, false, fmt.Errorf("capture: open %s: %w: %w", src, audio.ErrPermissionDenied, ctx.Err())
		}
		return nil, false, fmt.Errorf("capture: open %s: %w", src, err)
	}
	if err := ctx.Err(); err != nil {
		_ = audio.StopAll(stream)
		return nil, false, fmt.Errorf("capture: open %s: %w: %w", src, audio.ErrPermissionDenied, err)
	}
	return stream, true, nil
}

// run is the sampling loop of one session.
func (e *Engine) run(s *session, track audio.Track, prevDone <-chan struct{}) {
	defer close(s.done)

	// A borrowed stream may still be read by the previous session's
	// goroutine; wait for it so the two never share a track.
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-s.quit:
			return
		}
	}

	format := track.Format()
	channels := max(format.Channels, 1)
	rs := audio.NewResampler(format.SampleRate, audio.SampleRate)
	buf := make([]float32, e.readSize*channels)
	acc := make([]float32, 0, audio.FrameSamples)

	for {
		select {
		case <-s.quit:
			return
		default:
		}
		n, err := track.Read(buf)
		if n > 0 {
			out := rs.Process(audio.Downmix(buf[:n], channels))
			for len(out) > 0 {
				take := min(audio.FrameSamples-len(acc), len(out))
				acc = append(acc, out[:take]...)
				out = out[take:]
				if len(acc) < audio.FrameSamples {
					continue
				}
				if !e.emit(s, acc) {
					return
				}
				acc = acc[:0]
			}
		}
		if err != nil {
			e.fail(s, track, err)
			return
		}
	}
}

// emit converts one full buffer into a frame and hands it to the handlers.
// It returns false once the session is stopped.
func (e *Engine) emit(s *session, samples []float32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.stopped {
		return false
	}
	frame := audio.Frame{
		Seq:       s.seq,
		Data:      base64.StdEncoding.EncodeToString(audio.Quantize(samples, e.Gain())),
		Samples:   len(samples),
		Timestamp: time.Duration(s.seq) * audio.FrameDuration,
	}
	s.seq++
	for _, h := range e.onFrame {
		h(frame)
	}
	return true
}

// fail ends s after a read error. Errors after Stop are expected and dropped.
func (e *Engine) fail(s *session, track audio.Track, cause error) {
	e.mu.Lock()
	if s.stopped {
		e.mu.Unlock()
		return
	}
	if e.sess == s {
		e.detach()
	}
	handlers := append([]ErrorHandler(nil), e.onError...)
	e.mu.Unlock()

	err := cause
	if !errors.Is(cause, audio.ErrPermissionDenied) && !errors.Is(cause, audio.ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, cause)
	}
	serr := &SourceError{
		SessionID: s.id,
		Stream:    s.stream,
		Owned:     s.owned,
		Err:       fmt.Errorf("capture: read %s: %w", track.Label(), err),
	}

	slog.Error("capture session failed", "session_id", s.id, "source", s.source, "err", serr.Err)
	e.release(s)
	for _, h := range handlers {
		h(serr)
	}
}
