// Package audio defines the media acquisition interfaces, the wire frame
// type, and the PCM conversion helpers used by Orbit's capture pipeline.
//
// The platform boundary is split in two:
//
//   - [UserMedia] opens microphones and enumerates input devices.
//   - [DisplayMedia] acquires a system or browser-tab capture stream.
//
// Both return a [Stream] made of [Track] values. Concrete backends live in
// sub-packages (audio/ffmpeg for local devices, audio/webrtc for browser
// tabs). The interfaces are intentionally narrow so the capture engine and
// arbiter stay decoupled from any backend.
package audio

import (
	"context"
	"errors"
)

// Errors shared by every media backend. Backends wrap them so callers can
// match with [errors.Is].
var (
	// ErrPermissionDenied is returned when the user or platform declines
	// access, including when a pending permission prompt is dismissed
	// (context cancelled).
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when the requested device is missing,
	// busy, or disappears while capturing.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrNoAudioTrack is returned when a display capture was granted but
	// carries no audio.
	ErrNoAudioTrack = errors.New("audio: capture has no audio track")
)

// TrackKind classifies a [Track].
type TrackKind int

const (
	// TrackAudio carries audio samples.
	TrackAudio TrackKind = iota

	// TrackVideo carries video; Orbit never reads from it but must stop it.
	TrackVideo
)

// String returns the human-readable name of the track kind.
func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Track is one media track of a [Stream].
//
// For audio tracks Read fills buf with interleaved float32 samples in
// [-1, 1] at [Track.Format] and returns the number of values written.
// Read returns an error once the track is stopped or the device fails.
// Video tracks return an error from Read.
//
// Stop releases the underlying resource; it is safe to call more than once.
type Track interface {
	ID() string
	Kind() TrackKind
	Label() string
	Format() Format
	Read(buf []float32) (int, error)
	Stop() error
}

// Stream is a set of tracks acquired by one request.
type Stream interface {
	// ID identifies the stream for logging.
	ID() string

	// Tracks returns every track of the stream, audio and video.
	Tracks() []Track
}

// AudioTracks returns the audio tracks of s in order.
func AudioTracks(s Stream) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == TrackAudio {
			out = append(out, t)
		}
	}
	return out
}

// StopAll stops every track of s and returns the joined errors.
func StopAll(s Stream) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeviceInfo describes one audio input device.
type DeviceInfo struct {
	// ID is the backend-specific identifier passed to [UserMedia.GetUserMedia].
	ID string `json:"id"`

	// Label is the human-readable device name.
	Label string `json:"label"`

	// Default marks the system default input.
	Default bool `json:"default,omitempty"`
}

// UserMedia opens microphones.
//
// GetUserMedia may block until the platform grants access; it must honour ctx
// cancellation and return an error wrapping [ErrPermissionDenied] in that
// case. An empty deviceID selects the default input.
type UserMedia interface {
	GetUserMedia(ctx context.Context, deviceID string) (Stream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// DisplayMedia acquires a system or tab capture stream. It may block
// indefinitely waiting for the user and must honour ctx cancellation.
type DisplayMedia interface {
	GetDisplayMedia(ctx context.Context) (Stream, error)
}

// Devices bundles both acquisition paths.
type Devices interface {
	UserMedia
	DisplayMedia
}

type combined struct {
	UserMedia
	DisplayMedia
}

// Combine pairs a microphone backend with a display capture backend.
func Combine(u UserMedia, d DisplayMedia) Devices {
	return combined{UserMedia: u, DisplayMedia: d}
}
