// Package mock provides in-memory implementations of the media interfaces in
// [audio] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every acquisition so
// that tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	media := &mock.UserMedia{Devices: []audio.DeviceInfo{{ID: "mic-1", Label: "USB Mic"}}}
//	stream, _ := media.GetUserMedia(ctx, "mic-1")
//	media.LastTrack().Push(samples)
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/orbit/pkg/audio"
)

// ErrTrackStopped is returned by [Track.Read] after [Track.Stop].
var ErrTrackStopped = errors.New("mock: track stopped")

// Compile-time interface assertions.
var (
	_ audio.Track        = (*Track)(nil)
	_ audio.Stream       = (*Stream)(nil)
	_ audio.UserMedia    = (*UserMedia)(nil)
	_ audio.DisplayMedia = (*DisplayMedia)(nil)
)

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a scripted [audio.Track]. Samples queued with [Track.Push] are
// returned by Read in order; Read blocks while the queue is empty.
type Track struct {
	id     string
	kind   audio.TrackKind
	label  string
	format audio.Format

	chunks  chan []float32
	failed  chan error
	stopped chan struct{}

	mu        sync.Mutex
	pending   []float32
	stopCalls int
}

// NewTrack returns a track with the given identity and format. Video tracks
// ignore the format.
func NewTrack(id string, kind audio.TrackKind, format audio.Format) *Track {
	return &Track{
		id:      id,
		kind:    kind,
		label:   id,
		format:  format,
		chunks:  make(chan []float32, 64),
		failed:  make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

// ID implements [audio.Track].
func (t *Track) ID() string { return t.id }

// Kind implements [audio.Track].
func (t *Track) Kind() audio.TrackKind { return t.kind }

// Label implements [audio.Track].
func (t *Track) Label() string { return t.label }

// Format implements [audio.Track].
func (t *Track) Format() audio.Format { return t.format }

// Push queues interleaved samples for Read. It returns false when the track
// is stopped or the queue is full.
func (t *Track) Push(samples []float32) bool {
	select {
	case <-t.stopped:
		return false
	default:
	}
	select {
	case t.chunks <- samples:
		return true
	default:
		return false
	}
}

// Fail makes the next Read return err, simulating a device failure.
func (t *Track) Fail(err error) {
	select {
	case t.failed <- err:
	default:
	}
}

// Read implements [audio.Track].
func (t *Track) Read(buf []float32) (int, error) {
	if t.kind != audio.TrackAudio {
		return 0, fmt.Errorf("mock: read from %s track", t.kind)
	}

	t.mu.Lock()
	if len(t.pending) > 0 {
		n := copy(buf, t.pending)
		t.pending = t.pending[n:]
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	select {
	case chunk := <-t.chunks:
		n := copy(buf, chunk)
		if n < len(chunk) {
			t.mu.Lock()
			t.pending = append(t.pending, chunk[n:]...)
			t.mu.Unlock()
		}
		return n, nil
	case err := <-t.failed:
		return 0, err
	case <-t.stopped:
		return 0, ErrTrackStopped
	}
}

// Stop implements [audio.Track]. It is idempotent.
func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// StopCalls returns how many times Stop was called.
func (t *Track) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a fixed set of tracks.
type Stream struct {
	StreamID  string
	TrackList []audio.Track
}

// ID implements [audio.Stream].
func (s *Stream) ID() string { return s.StreamID }

// Tracks implements [audio.Stream].
func (s *Stream) Tracks() []audio.Track { return s.TrackList }

// NewAudioStream returns a stream with a single audio track in format f.
func NewAudioStream(id string, f audio.Format) (*Stream, *Track) {
	t := NewTrack(id+"-audio", audio.TrackAudio, f)
	return &Stream{StreamID: id, TrackList: []audio.Track{t}}, t
}

// ─── UserMedia ───────────────────────────────────────────────────────────────

// UserMedia is a mock implementation of [audio.UserMedia]. Every successful
// GetUserMedia call opens a fresh mono track in Format (16 kHz if unset).
type UserMedia struct {
	mu sync.Mutex

	// Devices is returned by EnumerateDevices.
	Devices []audio.DeviceInfo

	// Format is the format of opened tracks.
	Format audio.Format

	// GetUserMediaErr, if set, is returned by GetUserMedia.
	GetUserMediaErr error

	// EnumerateErr, if set, is returned by EnumerateDevices.
	EnumerateErr error

	// Gate, if non-nil, makes GetUserMedia block until it is closed or the
	// context is cancelled, simulating a pending permission prompt.
	Gate chan struct{}

	// OpenCalls records the device id of every GetUserMedia call.
	OpenCalls []string

	// EnumerateCalls counts EnumerateDevices calls.
	EnumerateCalls int

	tracks []*Track
}

// GetUserMedia implements [audio.UserMedia].
func (m *UserMedia) GetUserMedia(ctx context.Context, deviceID string) (audio.Stream, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, deviceID)
	gate, err := m.Gate, m.GetUserMediaErr
	f := m.Format
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: %w: %w", audio.ErrPermissionDenied, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: audio.SampleRate, Channels: 1}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := deviceID
	if id == "" {
		id = "default"
	}
	s, t := NewAudioStream(fmt.Sprintf("mic-%s-%d", id, len(m.tracks)), f)
	m.tracks = append(m.tracks, t)
	return s, nil
}

// EnumerateDevices implements [audio.UserMedia].
func (m *UserMedia) EnumerateDevices(_ context.Context) ([]audio.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnumerateCalls++
	if m.EnumerateErr != nil {
		return nil, m.EnumerateErr
	}
	out := make([]audio.DeviceInfo, len(m.Devices))
	copy(out, m.Devices)
	return out, nil
}

// Tracks returns every track opened so far, in order.
func (m *UserMedia) Tracks() []*Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Track(nil), m.tracks...)
}

// LastTrack returns the most recently opened track, or nil.
func (m *UserMedia) LastTrack() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) == 0 {
		return nil
	}
	return m.tracks[len(m.tracks)-1]
}

// Opens returns a copy of OpenCalls.
func (m *UserMedia) Opens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.OpenCalls...)
}

// ─── DisplayMedia ────────────────────────────────────────────────────────────

// DisplayMedia is a mock implementation of [audio.DisplayMedia].
type DisplayMedia struct {
	mu sync.Mutex

	// AudioTracks and VideoTracks set the composition of returned streams.
	AudioTracks int
	VideoTracks int

	// Format is the format of audio tracks (48 kHz stereo if unset).
	Format audio.Format

	// Err, if set, is returned by GetDisplayMedia.
	Err error

	// Gate behaves like [UserMedia.Gate].
	Gate chan struct{}

	// OnAcquire, if set, runs at the start of every GetDisplayMedia call.
	OnAcquire func()

	streams []*Stream
}

// GetDisplayMedia implements [audio.DisplayMedia].
func (m *DisplayMedia) GetDisplayMedia(ctx context.Context) (audio.Stream, error) {
	m.mu.Lock()
	hook, gate, err := m.OnAcquire, m.Gate, m.Err
	nA, nV, f := m.AudioTracks, m.VideoTracks, m.Format
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: %w: %w", audio.ErrPermissionDenied, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: 48000, Channels: 2}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stream{StreamID: fmt.Sprintf("display-%d", len(m.streams))}
	for i := range nA {
		s.TrackList = append(s.TrackList, NewTrack(fmt.Sprintf("%s-audio-%d", s.StreamID, i), audio.TrackAudio, f))
	}
	for i := range nV {
		s.TrackList = append(s.TrackList, NewTrack(fmt.Sprintf("%s-video-%d", s.StreamID, i), audio.TrackVideo, audio.Format{}))
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream handed out so far.
func (m *DisplayMedia) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}
