// Package ffmpeg implements [audio.UserMedia] and [audio.DisplayMedia] on top
// of an ffmpeg subprocess, plus an ffplay based PCM [Player].
//
// Microphones are opened through the platform input driver (PulseAudio on
// Linux, AVFoundation on macOS, DirectShow on Windows) and decoded as
// interleaved float32 on ffmpeg's stdout. System capture reads a configured
// loopback source such as the PulseAudio default monitor.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/orbit/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.UserMedia    = (*Backend)(nil)
	_ audio.DisplayMedia = (*Backend)(nil)
)

// DefaultMonitorSource is the PulseAudio alias for the monitor of the default
// output sink.
const DefaultMonitorSource = "@DEFAULT_MONITOR@"

// Option configures a [Backend].
type Option func(*Backend)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) Option {
	return func(b *Backend) {
		b.binary = path
	}
}

// WithFormat sets the sample rate and channel count requested from ffmpeg.
// Defaults to 48 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(b *Backend) {
		if f.SampleRate > 0 {
			b.format.SampleRate = f.SampleRate
		}
		if f.Channels > 0 {
			b.format.Channels = f.Channels
		}
	}
}

// WithSystemSource sets the input used by GetDisplayMedia. On Linux it
// defaults to [DefaultMonitorSource]; elsewhere there is no default and a
// loopback device (e.g. BlackHole on macOS) must be configured. An empty
// value disables system capture: GetDisplayMedia then returns a stream
// without audio tracks.
func WithSystemSource(src string) Option {
	return func(b *Backend) {
		b.systemSource = src
	}
}

// WithStartTimeout bounds how long GetUserMedia waits for the first samples.
// Defaults to 5s.
func WithStartTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.startTimeout = d
		}
	}
}

// Backend captures audio with ffmpeg. It is safe for concurrent use.
type Backend struct {
	binary       string
	goos         string
	format       audio.Format
	systemSource string
	startTimeout time.Duration

	// output runs a short-lived command and returns its combined output.
	output   func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPath func(file string) (string, error)
}

// New returns a Backend for the current platform.
func New(opts ...Option) *Backend {
	b := &Backend{
		binary:       "ffmpeg",
		goos:         runtime.GOOS,
		format:       audio.Format{SampleRate: 48000, Channels: 1},
		startTimeout: 5 * time.Second,
		output:       combinedOutput,
		lookPath:     exec.LookPath,
	}
	if b.goos == "linux" {
		b.systemSource = DefaultMonitorSource
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Available reports whether the ffmpeg binary can be found.
func (b *Backend) Available() error {
	if _, err := b.lookPath(b.binary); err != nil {
		return fmt.Errorf("ffmpeg: %s not found: %w", b.binary, audio.ErrDeviceUnavailable)
	}
	return nil
}

// GetUserMedia implements [audio.UserMedia]. An empty deviceID opens the
// platform default input.
func (b *Backend) GetUserMedia(ctx context.Context, deviceID string) (audio.Stream, error) {
	return b.open(ctx, "mic", deviceID)
}

// GetDisplayMedia implements [audio.DisplayMedia].
func (b *Backend) GetDisplayMedia(ctx context.Context) (audio.Stream, error) {
	if b.systemSource == "" {
		slog.Warn("ffmpeg: no system capture source configured")
		return &stream{id: "system-" + uuid.NewString()}, nil
	}
	return b.open(ctx, "system", b.systemSource)
}

// OpenURL decodes the audio of a network stream or media file at real-time
// speed. It backs the external media source, which has no device of its own.
func (b *Backend) OpenURL(ctx context.Context, url string) (audio.Stream, error) {
	if url == "" {
		return nil, fmt.Errorf("ffmpeg: empty stream url: %w", audio.ErrDeviceUnavailable)
	}
	return b.start(ctx, "url", url, urlArgs(url, b.format))
}

func (b *Backend) open(ctx context.Context, kind, device string) (audio.Stream, error) {
	args, err := captureArgs(b.goos, device, b.format)
	if err != nil {
		return nil, err
	}
	return b.start(ctx, kind, device, args)
}

func (b *Backend) start(ctx context.Context, kind, device string, args []string) (audio.Stream, error) {
	if err := b.Available(); err != nil {
		return nil, err
	}

	cmd := exec.Command(b.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s capture: %w: %w", kind, audio.ErrDeviceUnavailable, err)
	}

	label := device
	if label == "" {
		label = "default"
	}
	t := newTrack(kind+"-"+uuid.NewString(), label, b.format, stdout, &process{cmd: cmd, stderr: stderr})

	if err := t.prime(ctx, b.startTimeout); err != nil {
		_ = t.Stop()
		return nil, err
	}
	slog.Debug("ffmpeg capture running", "kind", kind, "device", label, "args", args)
	return &stream{id: t.ID(), tracks: []audio.Track{t}}, nil
}

// captureArgs builds the ffmpeg argument list for capturing device as
// interleaved float32 on stdout.
func captureArgs(goos, device string, f audio.Format) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch goos {
	case "linux":
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", "pulse", "-i", device)
	case "darwin":
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", "avfoundation", "-i", ":"+device)
	case "windows":
		if device == "" {
			return nil, fmt.Errorf("ffmpeg: dshow needs an explicit device name: %w", audio.ErrDeviceUnavailable)
		}
		args = append(args, "-f", "dshow", "-i", "audio="+device)
	default:
		return nil, fmt.Errorf("ffmpeg: capture is not supported on %s: %w", goos, audio.ErrDeviceUnavailable)
	}
	return append(args,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "f32le", "-",
	), nil
}

// urlArgs builds the ffmpeg argument list for decoding url as interleaved
// float32 on stdout.
func urlArgs(url string, f audio.Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-re", "-i", url, "-vn",
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "f32le", "-",
	}
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Listing commands exit non-zero by design; the listing is on stderr.
		return out, nil
	}
	return out, err
}

// stream is a fixed set of tracks.
type stream struct {
	id     string
	tracks []audio.Track
}

func (s *stream) ID() string            { return s.id }
func (s *stream) Tracks() []audio.Track { return s.tracks }

// process wraps a running ffmpeg command.
type process struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) wait() error {
	return p.cmd.Wait()
}

func (p *process) diagnostics() string {
	return p.stderr.String()
}

var _ io.Writer = (*tailBuffer)(nil)
