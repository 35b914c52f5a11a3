package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/orbit/pkg/audio"
)

var errTrackStopped = errors.New("webrtc: track stopped")

// stream groups the tracks of one peer connection. The transport is closed
// once every track has been stopped.
type stream struct {
	id        string
	transport PeerTransport

	mu     sync.Mutex
	tracks []audio.Track
	live   int
}

func (s *stream) ID() string { return s.id }

func (s *stream) Tracks() []audio.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Track(nil), s.tracks...)
}

func (s *stream) add(t audio.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	s.live++
}

// trackStopped releases the transport after the last track stops.
func (s *stream) trackStopped() {
	s.mu.Lock()
	s.live--
	last := s.live == 0
	s.mu.Unlock()
	if last {
		if err := s.transport.Close(); err != nil {
			slog.Warn("webrtc: close peer connection", "stream", s.id, "err", err)
		}
	}
}

// audioTrack decodes Opus packets into interleaved float32.
type audioTrack struct {
	s   *stream
	id  string
	dec decoder
	t   PeerTransport

	stopOnce sync.Once
	stopped  chan struct{}

	// pending is only touched by the single reader.
	pending []float32
}

var _ audio.Track = (*audioTrack)(nil)

func newAudioTrack(s *stream, id string, dec decoder, t PeerTransport) *audioTrack {
	return &audioTrack{s: s, id: id, dec: dec, t: t, stopped: make(chan struct{})}
}

func (a *audioTrack) ID() string            { return a.id }
func (a *audioTrack) Kind() audio.TrackKind { return audio.TrackAudio }
func (a *audioTrack) Label() string         { return "browser tab audio" }

func (a *audioTrack) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// Read implements [audio.Track].
func (a *audioTrack) Read(buf []float32) (int, error) {
	for len(a.pending) == 0 {
		select {
		case <-a.stopped:
			return 0, errTrackStopped
		case <-a.t.Done():
			return 0, fmt.Errorf("webrtc: peer disconnected: %w", audio.ErrDeviceUnavailable)
		case pkt := <-a.t.Packets():
			pcm, err := a.dec.Decode(pkt, maxOpusFrame, false)
			if err != nil {
				// A single corrupt packet is not fatal.
				slog.Debug("webrtc: opus decode", "err", err)
				continue
			}
			a.pending = audio.Int16ToFloat32(pcm)
		}
	}
	n := copy(buf, a.pending)
	a.pending = a.pending[n:]
	return n, nil
}

// Stop implements [audio.Track].
func (a *audioTrack) Stop() error {
	a.stopOnce.Do(func() {
		close(a.stopped)
		a.s.trackStopped()
	})
	return nil
}

// videoTrack stands for a shared video section; Orbit never reads it.
type videoTrack struct {
	s        *stream
	id       string
	stopOnce sync.Once
}

var _ audio.Track = (*videoTrack)(nil)

func newVideoTrack(s *stream, id string) *videoTrack {
	return &videoTrack{s: s, id: id}
}

func (v *videoTrack) ID() string            { return v.id }
func (v *videoTrack) Kind() audio.TrackKind { return audio.TrackVideo }
func (v *videoTrack) Label() string         { return "browser tab video" }
func (v *videoTrack) Format() audio.Format  { return audio.Format{} }

func (v *videoTrack) Read([]float32) (int, error) {
	return 0, errors.New("webrtc: video tracks carry no audio")
}

func (v *videoTrack) Stop() error {
	v.stopOnce.Do(v.s.trackStopped)
	return nil
}
