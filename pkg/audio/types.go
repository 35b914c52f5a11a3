package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Wire format expected by the remote speech models.
const (
	// SampleRate is the sample rate of every emitted [Frame] in Hz.
	SampleRate = 16000

	// FrameSamples is the number of mono samples carried by one [Frame]
	// (128 ms at 16 kHz). It is fixed for a build so that frame pacing is
	// predictable for the transport.
	FrameSamples = 2048

	// MIMEType is the realtime-input envelope type for emitted frames.
	MIMEType = "audio/pcm;rate=16000"
)

// FrameDuration is the wall-clock span covered by one [Frame].
const FrameDuration = time.Duration(FrameSamples) * time.Second / SampleRate

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-size slice of captured audio, already converted to
// 16 kHz mono signed 16-bit little-endian PCM and base64-encoded.
//
// Frames are produced by the capture engine and handed to exactly one
// consumer; the producer never touches a frame after emission.
type Frame struct {
	// Seq increases by one for every frame of a capture session, starting at 0.
	Seq uint64

	// Data is the standard base64 encoding of the raw PCM bytes.
	Data string

	// Samples is the number of PCM samples encoded in Data.
	Samples int

	// Timestamp is the offset of the first sample from capture start.
	Timestamp time.Duration
}

// MIMEType returns the envelope type for the frame payload.
func (Frame) MIMEType() string { return MIMEType }

// PCM decodes Data back into raw little-endian int16 bytes.
func (f Frame) PCM() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode frame %d: %w", f.Seq, err)
	}
	return b, nil
}
