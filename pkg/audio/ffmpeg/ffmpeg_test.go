package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/orbit/pkg/audio"
)

type fakeProc struct {
	diag   string
	killed int
}

func (p *fakeProc) kill()               { p.killed++ }
func (p *fakeProc) wait() error         { return nil }
func (p *fakeProc) diagnostics() string { return p.diag }

func floatBytes(vals ...float32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// trickleReader returns at most n bytes per Read to exercise partial samples.
type trickleReader struct {
	r io.Reader
	n int
}

func (t *trickleReader) Read(p []byte) (int, error) {
	if len(p) > t.n {
		p = p[:t.n]
	}
	return t.r.Read(p)
}

func TestCaptureArgs(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 48000, Channels: 2}
	tests := []struct {
		goos, device string
		wantInput    []string
		wantErr      bool
	}{
		{goos: "linux", device: "", wantInput: []string{"-f", "pulse", "-i", "default"}},
		{goos: "linux", device: DefaultMonitorSource, wantInput: []string{"-f", "pulse", "-i", "@DEFAULT_MONITOR@"}},
		{goos: "darwin", device: "1", wantInput: []string{"-f", "avfoundation", "-i", ":1"}},
		{goos: "windows", device: "Microphone (USB)", wantInput: []string{"-f", "dshow", "-i", "audio=Microphone (USB)"}},
		{goos: "windows", device: "", wantErr: true},
		{goos: "plan9", device: "x", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.goos+"/"+tc.device, func(t *testing.T) {
			t.Parallel()
			args, err := captureArgs(tc.goos, tc.device, f)
			if tc.wantErr {
				if !errors.Is(err, audio.ErrDeviceUnavailable) {
					t.Fatalf("err = %v; want ErrDeviceUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("captureArgs: %v", err)
			}
			joined := strings.Join(args, " ")
			if !strings.Contains(joined, strings.Join(tc.wantInput, " ")) {
				t.Errorf("args %q missing input %q", joined, tc.wantInput)
			}
			if !strings.HasSuffix(joined, "-ac 2 -ar 48000 -f f32le -") {
				t.Errorf("args %q do not end with the float32 output spec", joined)
			}
		})
	}
}

func TestURLArgs(t *testing.T) {
	t.Parallel()

	joined := strings.Join(urlArgs("https://example.com/live.m3u8", audio.Format{SampleRate: 48000, Channels: 1}), " ")
	if !strings.Contains(joined, "-re -i https://example.com/live.m3u8 -vn") {
		t.Errorf("args %q do not read the url at native rate without video", joined)
	}
	if !strings.HasSuffix(joined, "-ac 1 -ar 48000 -f f32le -") {
		t.Errorf("args %q do not end with the float32 output spec", joined)
	}
}

func TestOpenURL_Empty(t *testing.T) {
	t.Parallel()

	if _, err := New().OpenURL(context.Background(), ""); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("OpenURL(\"\") = %v; want ErrDeviceUnavailable", err)
	}
}

func TestParsePulseSources(t *testing.T) {
	t.Parallel()

	out := `Auto-detected sources for pulse:
* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo] (audio)
  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio Analog Stereo] (audio)
  alsa_input.usb-Blue_Yeti-00.analog-stereo [Yeti Stereo Microphone Analog Stereo] (audio)
`
	got := parsePulseSources(out)
	want := []audio.DeviceInfo{
		{ID: "alsa_input.pci-0000_00_1f.3.analog-stereo", Label: "Built-in Audio Analog Stereo", Default: true},
		{ID: "alsa_input.usb-Blue_Yeti-00.analog-stereo", Label: "Yeti Stereo Microphone Analog Stereo"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("parsePulseSources =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParseAVFoundation(t *testing.T) {
	t.Parallel()

	out := `[AVFoundation indev @ 0x7fb] AVFoundation video devices:
[AVFoundation indev @ 0x7fb] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7fb] [1] Capture screen 0
[AVFoundation indev @ 0x7fb] AVFoundation audio devices:
[AVFoundation indev @ 0x7fb] [0] MacBook Pro Microphone
[AVFoundation indev @ 0x7fb] [1] BlackHole 2ch
: Input/output error
`
	got := parseAVFoundation(out)
	want := []audio.DeviceInfo{
		{ID: "0", Label: "MacBook Pro Microphone"},
		{ID: "1", Label: "BlackHole 2ch"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("parseAVFoundation = %+v; want %+v", got, want)
	}
}

func TestParseDShow(t *testing.T) {
	t.Parallel()

	out := `[dshow @ 000001] "Integrated Camera" (video)
[dshow @ 000001]   Alternative name "@device_pnp_\\?\usb"
[dshow @ 000001] "Microphone Array (Realtek(R) Audio)" (audio)
[dshow @ 000001]   Alternative name "@device_cm_{33D9A762}"
`
	got := parseDShow(out)
	if len(got) != 1 || got[0].ID != "Microphone Array (Realtek(R) Audio)" {
		t.Errorf("parseDShow = %+v", got)
	}
}

func TestEnumerateDevices_MarksFirstAsDefault(t *testing.T) {
	t.Parallel()

	b := New()
	b.goos = "darwin"
	b.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	var gotArgs []string
	b.output = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("[x] AVFoundation audio devices:\n[x] [0] Mic\n[x] [1] Other\n"), nil
	}

	devs, err := b.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices: %v", err)
	}
	if len(devs) != 2 || !devs[0].Default || devs[1].Default {
		t.Errorf("devices = %+v; want first marked default", devs)
	}
	if !slices.Contains(gotArgs, "-list_devices") {
		t.Errorf("listing args = %v", gotArgs)
	}
}

func TestEnumerateDevices_MissingBinary(t *testing.T) {
	t.Parallel()

	b := New()
	b.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := b.EnumerateDevices(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v; want ErrDeviceUnavailable", err)
	}
}

func TestGetDisplayMedia_NoSourceHasNoAudio(t *testing.T) {
	t.Parallel()

	b := New(WithSystemSource(""))
	s, err := b.GetDisplayMedia(context.Background())
	if err != nil {
		t.Fatalf("GetDisplayMedia: %v", err)
	}
	if n := len(audio.AudioTracks(s)); n != 0 {
		t.Errorf("audio tracks = %d; want 0", n)
	}
}

func TestTrack_ReadHandlesPartialSamples(t *testing.T) {
	t.Parallel()

	want := []float32{0.25, -0.5, 1, 0.125, -1}
	r := &trickleReader{r: bytes.NewReader(floatBytes(want...)), n: 3}
	tr := newTrack("t", "test", audio.Format{SampleRate: 48000, Channels: 1}, r, &fakeProc{})

	var got []float32
	buf := make([]float32, 2)
	for {
		n, err := tr.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if !errors.Is(err, audio.ErrDeviceUnavailable) {
				t.Fatalf("end of stream err = %v; want ErrDeviceUnavailable", err)
			}
			break
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("samples = %v; want %v", got, want)
	}
}

func TestTrack_PrimeKeepsFirstBytes(t *testing.T) {
	t.Parallel()

	tr := newTrack("t", "test", audio.Format{SampleRate: 48000, Channels: 1},
		bytes.NewReader(floatBytes(0.5, 0.75)), &fakeProc{})
	if err := tr.prime(context.Background(), time.Second); err != nil {
		t.Fatalf("prime: %v", err)
	}
	buf := make([]float32, 4)
	n, err := tr.Read(buf)
	if err != nil || n != 2 || buf[0] != 0.5 || buf[1] != 0.75 {
		t.Errorf("Read = %d, %v, %v", n, buf[:n], err)
	}
}

func TestTrack_PrimeClassifiesExit(t *testing.T) {
	t.Parallel()

	p := &fakeProc{diag: "[pulse @ 0x1] pa_context_connect() failed\ndefault: Permission denied\n"}
	tr := newTrack("t", "test", audio.Format{}, bytes.NewReader(nil), p)
	err := tr.prime(context.Background(), time.Second)
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v; want ErrPermissionDenied", err)
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Errorf("err %q should carry the ffmpeg diagnostic", err)
	}
}

func TestTrack_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	p := &fakeProc{}
	tr := newTrack("t", "test", audio.Format{}, bytes.NewReader(floatBytes(1)), p)
	_ = tr.Stop()
	_ = tr.Stop()
	if p.killed != 1 {
		t.Errorf("killed %d times; want 1", p.killed)
	}
	if _, err := tr.Read(make([]float32, 1)); !errors.Is(err, errStopped) {
		t.Errorf("Read after Stop err = %v; want errStopped", err)
	}
}

// watchedReader reports whether a Read is in progress.
type watchedReader struct {
	r      io.Reader
	inRead atomic.Bool
}

func (w *watchedReader) Read(p []byte) (int, error) {
	w.inRead.Store(true)
	defer w.inRead.Store(false)
	return w.r.Read(p)
}

// pipeProc ends the sample pipe on kill, as a dying process would.
type pipeProc struct {
	w      *io.PipeWriter
	reader *watchedReader

	mu         sync.Mutex
	waits      int
	waitInRead bool
}

func (p *pipeProc) kill() { _ = p.w.Close() }

func (p *pipeProc) wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	p.waitInRead = p.waitInRead || p.reader.inRead.Load()
	return nil
}

func (p *pipeProc) diagnostics() string { return "" }

func (p *pipeProc) waited() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits, p.waitInRead
}

func TestTrack_StopWaitsAfterReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reading bool
	}{
		{"idle", false},
		{"read in progress", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pr, pw := io.Pipe()
			wr := &watchedReader{r: pr}
			p := &pipeProc{w: pw, reader: wr}
			tr := newTrack("t", "test", audio.Format{SampleRate: 48000, Channels: 1}, wr, p)

			readErr := make(chan error, 1)
			if tc.reading {
				go func() {
					_, err := tr.Read(make([]float32, 4))
					readErr <- err
				}()
				deadline := time.Now().Add(2 * time.Second)
				for !wr.inRead.Load() {
					if time.Now().After(deadline) {
						t.Fatal("Read never reached the pipe")
					}
					time.Sleep(time.Millisecond)
				}
			}

			_ = tr.Stop()
			if tc.reading {
				select {
				case err := <-readErr:
					if !errors.Is(err, errStopped) {
						t.Errorf("Read err = %v; want errStopped", err)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("Read did not return after Stop")
				}
			}

			waits, inRead := p.waited()
			if waits != 1 {
				t.Errorf("wait called %d times; want 1", waits)
			}
			if inRead {
				t.Error("process waited for while a Read was inside the pipe")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		diag string
		want error
	}{
		{"", audio.ErrDeviceUnavailable},
		{"default: No such device\n", audio.ErrDeviceUnavailable},
		{"Operation not permitted", audio.ErrPermissionDenied},
		{"[avfoundation] Access denied to microphone", audio.ErrPermissionDenied},
	}
	for _, tc := range tests {
		if err := classify(tc.diag, io.EOF); !errors.Is(err, tc.want) {
			t.Errorf("classify(%q) = %v; want %v", tc.diag, err, tc.want)
		}
	}
}

func TestPlayerArgs(t *testing.T) {
	t.Parallel()

	got := strings.Join(playerArgs(24000, 80), " ")
	want := "-nodisp -autoexit -loglevel error -volume 80 -f s16le -ar 24000 -ac 1 -i pipe:0"
	if got != want {
		t.Errorf("playerArgs = %q; want %q", got, want)
	}
}
