package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// ErrPlayerClosed is returned by [Player.Write] after Close.
var ErrPlayerClosed = errors.New("ffmpeg: player closed")

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithPlayerBinary sets the ffplay executable. Defaults to "ffplay".
func WithPlayerBinary(path string) PlayerOption {
	return func(p *Player) {
		p.binary = path
	}
}

// WithPlayerVolume sets the ffplay volume in [0, 100]. Defaults to 100.
func WithPlayerVolume(v int) PlayerOption {
	return func(p *Player) {
		p.volume = min(max(v, 0), 100)
	}
}

// Player plays mono signed 16-bit little-endian PCM through ffplay.
type Player struct {
	binary     string
	sampleRate int
	volume     int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewPlayer starts ffplay for PCM at sampleRate.
func NewPlayer(sampleRate int, opts ...PlayerOption) (*Player, error) {
	p := &Player{binary: "ffplay", sampleRate: sampleRate, volume: 100}
	for _, o := range opts {
		o(p)
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s is required for playback: %w", p.binary, err)
	}
	if err := p.startLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func playerArgs(sampleRate, volume int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-volume", strconv.Itoa(volume),
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

func (p *Player) startLocked() error {
	cmd := exec.Command(p.binary, playerArgs(p.sampleRate, p.volume)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	p.cmd, p.stdin = cmd, stdin
	return nil
}

func (p *Player) stopLocked() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.cmd, p.stdin = nil, nil
}

// Write queues pcm for playback.
func (p *Player) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlayerClosed
	}
	if p.stdin == nil {
		if err := p.startLocked(); err != nil {
			return err
		}
	}
	if _, err := p.stdin.Write(pcm); err != nil {
		p.stopLocked()
		return fmt.Errorf("ffmpeg: write playback: %w", err)
	}
	return nil
}

// Reset drops buffered audio by restarting ffplay on the next Write.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Play writes every chunk from ch until it is closed or ctx is done.
func (p *Player) Play(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Write(pcm); err != nil {
				if errors.Is(err, ErrPlayerClosed) {
					return
				}
				slog.Warn("playback failed", "err", err)
			}
		}
	}
}

// Close stops ffplay. It is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stopLocked()
	return nil
}
