package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/orbit/pkg/audio"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

type fakeTransport struct {
	packets chan []byte
	done    chan struct{}

	mu         sync.Mutex
	closeCalls int
	offer      string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{packets: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeTransport) Answer(_ context.Context, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer = offer
	return "v=0\r\ns=answer\r\n", nil
}

func (f *fakeTransport) Packets() <-chan []byte { return f.packets }
func (f *fakeTransport) Done() <-chan struct{}  { return f.done }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// gatedTransport blocks Answer until gate is closed.
type gatedTransport struct {
	*fakeTransport
	entered chan struct{}
	gate    chan struct{}
	err     error
}

func newGatedTransport(err error) *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
		err:           err,
	}
}

func (g *gatedTransport) Answer(ctx context.Context, offer string) (string, error) {
	close(g.entered)
	<-g.gate
	if g.err != nil {
		return "", g.err
	}
	return g.fakeTransport.Answer(ctx, offer)
}

// fakeDecoder returns the packet bytes as int16 samples scaled by 256.
type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, _ int, _ bool) ([]int16, error) {
	if len(data) == 0 {
		return nil, errors.New("empty packet")
	}
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = int16(int8(b)) * 256
	}
	return out, nil
}

func newTestCapture(t *testing.T) (*Capture, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(WithTransportFactory(func() (PeerTransport, error) { return ft, nil }))
	c.newDecoder = func() (decoder, error) { return fakeDecoder{}, nil }
	return c, ft
}

func offerSDP(sections ...string) string {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	for _, s := range sections {
		switch s {
		case "audio":
			lines = append(lines,
				"m=audio 9 UDP/TLS/RTP/SAVPF 111",
				"c=IN IP4 0.0.0.0",
				"a=sendrecv",
				"a=rtpmap:111 opus/48000/2")
		case "audio-inactive":
			lines = append(lines,
				"m=audio 9 UDP/TLS/RTP/SAVPF 111",
				"c=IN IP4 0.0.0.0",
				"a=inactive",
				"a=rtpmap:111 opus/48000/2")
		case "video":
			lines = append(lines,
				"m=video 9 UDP/TLS/RTP/SAVPF 96",
				"c=IN IP4 0.0.0.0",
				"a=sendonly",
				"a=rtpmap:96 VP8/90000")
		}
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// startPrompt runs GetDisplayMedia in the background and waits until it is
// pending.
func startPrompt(t *testing.T, ctx context.Context, c *Capture) <-chan result {
	t.Helper()
	ch := make(chan result, 1)
	go func() {
		s, err := c.GetDisplayMedia(ctx)
		ch <- result{s, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("GetDisplayMedia never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	return ch
}

type result struct {
	s   audio.Stream
	err error
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("GetDisplayMedia did not return")
		return result{}
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestOfferMedia(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		sections         []string
		wantAud, wantVid int
	}{
		{"audio and video", []string{"audio", "video"}, 1, 1},
		{"video only", []string{"video"}, 0, 1},
		{"inactive audio is ignored", []string{"audio-inactive", "video"}, 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, v, err := offerMedia(offerSDP(tc.sections...))
			if err != nil {
				t.Fatalf("offerMedia: %v", err)
			}
			if a != tc.wantAud || v != tc.wantVid {
				t.Errorf("offerMedia = %d audio, %d video; want %d, %d", a, v, tc.wantAud, tc.wantVid)
			}
		})
	}
}

func TestCapture_OfferWithoutPendingRequest(t *testing.T) {
	t.Parallel()

	c, _ := newTestCapture(t)
	if _, err := c.Offer(context.Background(), offerSDP("audio")); !errors.Is(err, ErrNoPendingCapture) {
		t.Errorf("err = %v; want ErrNoPendingCapture", err)
	}
}

func TestCapture_TabAudioFlowsAsFloat32(t *testing.T) {
	t.Parallel()

	c, ft := newTestCapture(t)
	ch := startPrompt(t, context.Background(), c)

	answer, err := c.Offer(context.Background(), offerSDP("audio", "video"))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !strings.Contains(answer, "answer") {
		t.Errorf("answer = %q", answer)
	}
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("GetDisplayMedia: %v", r.err)
	}
	if got := len(r.s.Tracks()); got != 2 {
		t.Fatalf("tracks = %d; want 2", got)
	}
	tracks := audio.AudioTracks(r.s)
	if len(tracks) != 1 {
		t.Fatalf("audio tracks = %d; want 1", len(tracks))
	}
	if f := tracks[0].Format(); f.SampleRate != 48000 || f.Channels != 2 {
		t.Errorf("format = %v", f)
	}

	ft.packets <- []byte{64, 192} // 0.5, -0.5 after scaling
	buf := make([]float32, 1)
	var got []float32
	for range 2 {
		n, err := tracks[0].Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Errorf("samples = %v; want [0.5 -0.5]", got)
	}

	if err := audio.StopAll(r.s); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	_ = tracks[0].Stop()
	if n := ft.closes(); n != 1 {
		t.Errorf("transport closed %d times; want 1", n)
	}
	if _, err := tracks[0].Read(buf); !errors.Is(err, errTrackStopped) {
		t.Errorf("Read after stop err = %v", err)
	}
}

func TestCapture_VideoOnlyShareHasNoAudio(t *testing.T) {
	t.Parallel()

	c, ft := newTestCapture(t)
	ch := startPrompt(t, context.Background(), c)
	if _, err := c.Offer(context.Background(), offerSDP("video")); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("GetDisplayMedia: %v", r.err)
	}
	if n := len(audio.AudioTracks(r.s)); n != 0 {
		t.Fatalf("audio tracks = %d; want 0", n)
	}
	_ = audio.StopAll(r.s)
	if n := ft.closes(); n != 1 {
		t.Errorf("transport closed %d times; want 1", n)
	}
}

func TestCapture_DismissedPrompt(t *testing.T) {
	t.Parallel()

	c, _ := newTestCapture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := startPrompt(t, ctx, c)
	cancel()

	r := waitResult(t, ch)
	if !errors.Is(r.err, audio.ErrPermissionDenied) {
		t.Errorf("err = %v; want ErrPermissionDenied", r.err)
	}
	if c.Pending() {
		t.Error("request still pending after dismissal")
	}
}

func TestCapture_DismissedWhileAnswering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		answerErr error
	}{
		{"answer succeeds", nil},
		{"answer fails", errors.New("ice failed")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gt := newGatedTransport(tc.answerErr)
			c := New(WithTransportFactory(func() (PeerTransport, error) { return gt, nil }))
			c.newDecoder = func() (decoder, error) { return fakeDecoder{}, nil }

			ctx, cancel := context.WithCancel(context.Background())
			ch := startPrompt(t, ctx, c)
			offerErr := make(chan error, 1)
			go func() {
				_, err := c.Offer(context.Background(), offerSDP("audio", "video"))
				offerErr <- err
			}()
			<-gt.entered
			cancel()

			r := waitResult(t, ch)
			if !errors.Is(r.err, audio.ErrPermissionDenied) || r.s != nil {
				t.Fatalf("GetDisplayMedia = %v, %v; want ErrPermissionDenied", r.s, r.err)
			}
			close(gt.gate)

			err := <-offerErr
			if err == nil {
				t.Fatal("Offer succeeded for a dismissed prompt")
			}
			if tc.answerErr == nil && !errors.Is(err, ErrNoPendingCapture) {
				t.Errorf("Offer err = %v; want ErrNoPendingCapture", err)
			}
			if n := gt.closes(); n != 1 {
				t.Errorf("transport closes = %d, want 1", n)
			}
			if c.Pending() {
				t.Error("dismissed request was requeued")
			}
		})
	}
}

func TestCapture_NewerPromptReplacesOlder(t *testing.T) {
	t.Parallel()

	c, ft := newTestCapture(t)
	first := startPrompt(t, context.Background(), c)
	second := make(chan result, 1)
	go func() {
		s, err := c.GetDisplayMedia(context.Background())
		second <- result{s, err}
	}()

	r := waitResult(t, first)
	if !errors.Is(r.err, audio.ErrPermissionDenied) {
		t.Fatalf("first prompt err = %v; want ErrPermissionDenied", r.err)
	}
	if _, err := c.Offer(context.Background(), offerSDP("audio")); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	r = waitResult(t, second)
	if r.err != nil || r.s == nil {
		t.Fatalf("second prompt = %v, %v", r.s, r.err)
	}
	if err := audio.StopAll(r.s); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if n := ft.closes(); n != 1 {
		t.Errorf("transport closes = %d, want 1", n)
	}
}

func TestCapture_NewerPromptWhileAnswering(t *testing.T) {
	t.Parallel()

	gt := newGatedTransport(nil)
	c := New(WithTransportFactory(func() (PeerTransport, error) { return gt, nil }))
	c.newDecoder = func() (decoder, error) { return fakeDecoder{}, nil }

	first := startPrompt(t, context.Background(), c)
	offerErr := make(chan error, 1)
	go func() {
		_, err := c.Offer(context.Background(), offerSDP("audio"))
		offerErr <- err
	}()
	<-gt.entered

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startPrompt(t, ctx, c)

	if r := waitResult(t, first); !errors.Is(r.err, audio.ErrPermissionDenied) {
		t.Fatalf("first prompt err = %v; want ErrPermissionDenied", r.err)
	}
	close(gt.gate)
	if err := <-offerErr; !errors.Is(err, ErrNoPendingCapture) {
		t.Errorf("Offer err = %v; want ErrNoPendingCapture", err)
	}
	if n := gt.closes(); n != 1 {
		t.Errorf("transport closes = %d, want 1", n)
	}
	if !c.Pending() {
		t.Error("the newer prompt should still wait for its own offer")
	}
}

func TestCapture_PeerDisconnectFailsRead(t *testing.T) {
	t.Parallel()

	c, ft := newTestCapture(t)
	ch := startPrompt(t, context.Background(), c)
	if _, err := c.Offer(context.Background(), offerSDP("audio")); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	r := waitResult(t, ch)
	close(ft.done)

	_, err := audio.AudioTracks(r.s)[0].Read(make([]float32, 4))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v; want ErrDeviceUnavailable", err)
	}
}

func TestCapture_MalformedOfferKeepsRequestPending(t *testing.T) {
	t.Parallel()

	c, _ := newTestCapture(t)
	startPrompt(t, context.Background(), c)
	if _, err := c.Offer(context.Background(), "not sdp"); err == nil {
		t.Fatal("expected parse error")
	}
	if !c.Pending() {
		t.Error("request should stay pending so the user can retry")
	}
}

func TestHandler_Offer(t *testing.T) {
	t.Parallel()

	c, _ := newTestCapture(t)
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	post := func(body any) *http.Response {
		t.Helper()
		b, _ := json.Marshal(body)
		resp, err := http.Post(srv.URL+"/capture/offer", "application/json", bytes.NewReader(b))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		return resp
	}

	resp := post(sessionDescription{Type: "offer", SDP: offerSDP("audio")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status without pending request = %d; want 409", resp.StatusCode)
	}

	resp = post(sessionDescription{Type: "answer", SDP: "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status for non-offer = %d; want 400", resp.StatusCode)
	}

	ch := startPrompt(t, context.Background(), c)
	resp = post(sessionDescription{Type: "offer", SDP: offerSDP("audio")})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var got sessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if got.Type != "answer" || got.SDP == "" {
		t.Errorf("answer = %+v", got)
	}
	if r := waitResult(t, ch); r.err != nil {
		t.Errorf("GetDisplayMedia: %v", r.err)
	}

	pending, err := http.Get(srv.URL + "/capture/pending")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	defer pending.Body.Close()
	var p map[string]bool
	_ = json.NewDecoder(pending.Body).Decode(&p)
	if p["pending"] {
		t.Error("pending should be false after the offer was answered")
	}
}
