package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/orbit/pkg/audio"
)

// errStopped is returned by Read after Stop.
var errStopped = errors.New("ffmpeg: track stopped")

// proc is the subprocess behind a track.
type proc interface {
	kill()
	wait() error
	diagnostics() string
}

// track reads interleaved little-endian float32 samples from a subprocess.
type track struct {
	id     string
	label  string
	format audio.Format
	r      io.Reader
	p      proc

	// pending and scratch are only touched by the single reader.
	pending []byte
	scratch []byte

	stopped  atomic.Bool
	stopOnce sync.Once
	waitOnce sync.Once
	waitErr  error

	// mu guards reading. The process is waited for only once no Read is
	// inside the stdout pipe; os/exec closes the pipe in Wait.
	mu      sync.Mutex
	reading bool
}

var _ audio.Track = (*track)(nil)

func newTrack(id, label string, f audio.Format, r io.Reader, p proc) *track {
	return &track{id: id, label: label, format: f, r: r, p: p}
}

func (t *track) ID() string            { return t.id }
func (t *track) Kind() audio.TrackKind { return audio.TrackAudio }
func (t *track) Label() string         { return t.label }
func (t *track) Format() audio.Format  { return t.format }

// prime waits for the first bytes so that open failures surface from
// GetUserMedia instead of the first Read.
func (t *track) prime(ctx context.Context, timeout time.Duration) error {
	type result struct {
		n   int
		err error
	}
	buf := make([]byte, 4096)
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(buf)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.n > 0 {
			t.pending = append(t.pending, buf[:res.n]...)
			return nil
		}
		return t.exitError(res.err)
	case <-ctx.Done():
		t.p.kill()
		<-ch
		return fmt.Errorf("ffmpeg: open %s: %w: %w", t.label, audio.ErrPermissionDenied, ctx.Err())
	case <-timer.C:
		t.p.kill()
		<-ch
		return fmt.Errorf("ffmpeg: no samples from %s within %s: %w", t.label, timeout, audio.ErrDeviceUnavailable)
	}
}

// Read implements [audio.Track].
func (t *track) Read(buf []float32) (int, error) {
	t.mu.Lock()
	if t.stopped.Load() {
		t.mu.Unlock()
		return 0, errStopped
	}
	t.reading = true
	t.mu.Unlock()
	defer t.doneReading()

	if len(buf) == 0 {
		return 0, nil
	}
	need := len(buf) * 4
	if cap(t.scratch) < need {
		t.scratch = make([]byte, need)
	}
	scratch := t.scratch[:need]

	n := copy(scratch, t.pending)
	t.pending = t.pending[n:]
	for n < 4 {
		m, err := t.r.Read(scratch[n:])
		n += m
		if err != nil && n < 4 {
			return 0, t.exitError(err)
		}
		if err != nil {
			break
		}
	}

	whole := n - n%4
	if whole < n {
		t.pending = append(t.pending, scratch[whole:n]...)
	}
	return audio.DecodeFloat32LE(scratch[:whole], buf), nil
}

// doneReading reaps the process if Stop ran during the read.
func (t *track) doneReading() {
	t.mu.Lock()
	t.reading = false
	stopped := t.stopped.Load()
	t.mu.Unlock()
	if stopped {
		t.reap()
	}
}

// Stop implements [audio.Track]. It kills the process; a Read in progress
// returns once the pipe closes and reaps it, otherwise Stop does.
func (t *track) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped.Store(true)
		busy := t.reading
		t.mu.Unlock()
		t.p.kill()
		if !busy {
			t.reap()
		}
	})
	return nil
}

func (t *track) reap() error {
	t.waitOnce.Do(func() {
		t.waitErr = t.p.wait()
	})
	return t.waitErr
}

// exitError turns the end of the sample stream into a classified error.
func (t *track) exitError(cause error) error {
	if t.stopped.Load() {
		return errStopped
	}
	if werr := t.reap(); werr != nil && cause == io.EOF {
		cause = werr
	}
	return classify(t.p.diagnostics(), cause)
}

// classify maps ffmpeg diagnostics to the shared media sentinels.
func classify(diag string, cause error) error {
	sentinel := audio.ErrDeviceUnavailable
	lower := strings.ToLower(diag)
	for _, phrase := range []string{"permission denied", "operation not permitted", "access denied", "not authorized"} {
		if strings.Contains(lower, phrase) {
			sentinel = audio.ErrPermissionDenied
			break
		}
	}
	if line := lastLine(diag); line != "" {
		return fmt.Errorf("ffmpeg: %w: %s", sentinel, line)
	}
	if cause == nil {
		cause = io.EOF
	}
	return fmt.Errorf("ffmpeg: %w: %w", sentinel, cause)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
