package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/orbit/internal/app"
	"github.com/MrWong99/orbit/internal/arbiter"
	"github.com/MrWong99/orbit/internal/config"
	"github.com/MrWong99/orbit/internal/realtime"
	"github.com/MrWong99/orbit/internal/transcript"
	"github.com/MrWong99/orbit/pkg/audio"
	audiomock "github.com/MrWong99/orbit/pkg/audio/mock"
	"github.com/MrWong99/orbit/pkg/live"
	livemock "github.com/MrWong99/orbit/pkg/live/mock"
)

const waitTimeout = 2 * time.Second

// fakePlayer records played chunks and resets.
type fakePlayer struct {
	mu     sync.Mutex
	chunks [][]byte
	resets int
	closed bool
}

func (p *fakePlayer) Play(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			p.chunks = append(p.chunks, pcm)
			p.mu.Unlock()
		}
	}
}

func (p *fakePlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayer) counts() (chunks, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks), p.resets
}

type fixture struct {
	app      *app.App
	provider *livemock.Provider
	media    *audiomock.UserMedia
	display  *audiomock.DisplayMedia
	player   *fakePlayer
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	f := &fixture{
		provider: &livemock.Provider{ProviderCapabilities: live.Capabilities{Name: "mock"}},
		media: &audiomock.UserMedia{Devices: []audio.DeviceInfo{
			{ID: "mic-1", Label: "Built-in Microphone"},
			{ID: "mic-2", Label: "Yeti Stereo Microphone"},
		}},
		display: &audiomock.DisplayMedia{AudioTracks: 1, VideoTracks: 1},
		player:  &fakePlayer{},
	}
	a, err := app.New(cfg, app.Backends{
		Transport: f.provider,
		Media:     f.media,
		Display:   f.display,
		Player:    f.player,
	}, app.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
}

func (f *fixture) connect(t *testing.T) *livemock.Session {
	t.Helper()
	if err := f.app.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	opened := f.provider.Opened()
	return opened[len(opened)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()

	if _, err := app.New(&config.Config{}, app.Backends{Media: &audiomock.UserMedia{}}); err == nil {
		t.Error("expected error without a transport")
	}
	if _, err := app.New(&config.Config{}, app.Backends{Transport: &livemock.Provider{}}); err == nil {
		t.Error("expected error without a microphone backend")
	}
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Session: config.SessionConfig{Persona: "pirate"}}
	_, err := app.New(cfg, app.Backends{Transport: &livemock.Provider{}, Media: &audiomock.UserMedia{}})
	if err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestNew_IsIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	st := f.app.Status()
	if st.Connection != realtime.StateDisconnected || st.Muted || st.Source.Capturing {
		t.Errorf("initial status = %+v", st)
	}
	if len(f.media.Opens()) != 0 || len(f.provider.Calls()) != 0 {
		t.Error("New must not touch devices or the transport")
	}
}

// ─── Session control ─────────────────────────────────────────────────────────

func TestConnect_StreamsCapturedAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sess := f.connect(t)

	if st := f.app.Status(); st.Connection != realtime.StateConnected || !st.Source.Capturing || st.SessionID == "" {
		t.Fatalf("status after connect = %+v", st)
	}
	call := f.provider.Calls()[0]
	if call.Cfg.Voice != "Orus" || call.Cfg.Instructions == "" {
		t.Errorf("connect config = %+v", call.Cfg)
	}

	track := f.media.LastTrack()
	if track == nil {
		t.Fatal("no microphone opened")
	}
	track.Push(constant(audio.FrameSamples, 0.25))
	eventually(t, "frame at the session", func() bool { return len(sess.SentFrames()) > 0 })
}

func TestConnect_FailureReportsMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", fmt.Errorf("bad voice: %w", live.ErrConfigurationRejected), "rejected"},
		{"unreachable", errors.New("dial tcp: refused"), "Could not connect"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			f.provider.ConnectErr = tc.err
			if err := f.app.Connect(context.Background()); err == nil {
				t.Fatal("expected connect error")
			}
			st := f.app.Status()
			if st.Connection != realtime.StateError || !strings.Contains(st.Message, tc.want) {
				t.Errorf("status = %+v; want message containing %q", st, tc.want)
			}
			if len(f.media.Opens()) != 0 {
				t.Error("capture started without a session")
			}
		})
	}
}

func TestSetMuted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.app.SetMuted(context.Background(), true); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("mute while disconnected: got %v", err)
	}

	f.connect(t)
	first := f.media.LastTrack()

	if err := f.app.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if st := f.app.Status(); !st.Muted || st.Source.Capturing {
		t.Errorf("muted status = %+v", st)
	}
	if !first.Stopped() {
		t.Error("microphone track not released on mute")
	}

	if err := f.app.SetMuted(context.Background(), false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if st := f.app.Status(); st.Muted || !st.Source.Capturing {
		t.Errorf("unmuted status = %+v", st)
	}
	if got := len(f.media.Tracks()); got != 2 {
		t.Errorf("tracks opened = %d; want 2", got)
	}
}

func TestConnect_WhileMutedDoesNotCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	if err := f.app.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	opens := len(f.media.Opens())

	// Reconnecting keeps the mute of the running session.
	f.connect(t)
	if st := f.app.Status(); !st.Muted || st.Source.Capturing {
		t.Errorf("status = %+v", st)
	}
	if len(f.media.Opens()) != opens {
		t.Error("microphone opened while muted")
	}
}

func TestDisconnect_ResetsMuteAndStopsCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sess := f.connect(t)
	if err := f.app.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	f.app.Disconnect()
	f.app.Disconnect()

	st := f.app.Status()
	if st.Connection != realtime.StateDisconnected || st.Muted || st.Source.Active {
		t.Errorf("status after disconnect = %+v", st)
	}
	if sess.Closes() == 0 {
		t.Error("session not closed")
	}

	f.connect(t)
	if !f.app.Status().Source.Capturing {
		t.Error("capture should resume on the next connect")
	}
}

func TestTransportFailure_StopsCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sess := f.connect(t)
	track := f.media.LastTrack()

	sess.Fail(errors.New("socket reset"))

	eventually(t, "capture to stop", func() bool {
		st := f.app.Status()
		return st.Connection == realtime.StateError && !st.Source.Active && !st.Source.Capturing
	})
	if !track.Stopped() {
		t.Error("microphone track still running")
	}
	if msg := f.app.Status().Message; msg == "" {
		t.Error("expected a connection lost message")
	}
	if err := f.app.SetMuted(context.Background(), true); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("mute after failure: got %v", err)
	}
}

// ─── Text ────────────────────────────────────────────────────────────────────

func TestSendText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.app.SendText("hello"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("send while disconnected: got %v", err)
	}

	sess := f.connect(t)
	if err := f.app.SendText("   "); !errors.Is(err, app.ErrEmptyText) {
		t.Errorf("blank text: got %v", err)
	}
	if err := f.app.SendText("  where is the station?  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	turns := f.app.Log().Turns()
	if len(turns) != 1 || turns[0].Role != transcript.RoleUser || !turns[0].Final || turns[0].Text != "where is the station?" {
		t.Errorf("turns = %+v", turns)
	}
	eventually(t, "text at the session", func() bool { return len(sess.SentTexts()) == 1 })
	if got := sess.SentTexts()[0]; got.Text != "where is the station?" || !got.EndOfTurn {
		t.Errorf("sent = %+v", got)
	}
}

func TestSendText_QueueFullLeavesLogUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &config.Config{Transport: config.TransportConfig{QueueSize: 1}})
	sess := f.connect(t)
	block := make(chan struct{})
	sess.Block = block
	t.Cleanup(func() { close(block) })

	// Wedge the writer on a frame so the single queue slot fills up.
	f.media.LastTrack().Push(make([]float32, audio.FrameSamples*4))

	sent := 0
	deadline := time.Now().Add(waitTimeout)
	for {
		err := f.app.SendText(fmt.Sprintf("line %d", sent))
		if errors.Is(err, realtime.ErrQueueFull) {
			break
		}
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		sent++
		if time.Now().After(deadline) {
			t.Fatal("outbound queue never filled")
		}
		time.Sleep(time.Millisecond)
	}

	turns := f.app.Log().Turns()
	if len(turns) != sent {
		t.Fatalf("log holds %d turns; want the %d queued texts", len(turns), sent)
	}
	for i, turn := range turns {
		if turn.Role != transcript.RoleUser || turn.Text != fmt.Sprintf("line %d", i) {
			t.Errorf("turn %d = %+v", i, turn)
		}
	}
}

// ─── Events and playback ─────────────────────────────────────────────────────

func TestEvents_FeedLogAndPlayer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.app.Run(ctx) }()

	sess := f.connect(t)
	sess.Emit(live.Event{Kind: live.EventInputTranscription, Text: "Hola", Final: true})
	sess.Emit(live.Event{Kind: live.EventOutputTranscription, Text: "Hello"})
	sess.EmitAudio([]byte{1, 2, 3, 4})
	sess.Emit(live.Event{Kind: live.EventInterrupted})
	sess.Emit(live.Event{Kind: live.EventTurnComplete})

	eventually(t, "agent turn to close", func() bool {
		turns := f.app.Log().Turns()
		return len(turns) == 2 && turns[1].Final
	})
	turns := f.app.Log().Turns()
	if turns[0].Role != transcript.RoleUser || turns[1].Role != transcript.RoleAgent || turns[1].Text != "Hello" {
		t.Errorf("turns = %+v", turns)
	}
	eventually(t, "playback", func() bool {
		chunks, resets := f.player.counts()
		return chunks == 1 && resets == 1
	})
}

// ─── Settings ────────────────────────────────────────────────────────────────

func TestSettings_ChangesApplyOnNextConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)

	if err := f.app.Settings().SetVoice("Kore"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	if !f.app.Status().Pending {
		t.Error("voice change should be pending")
	}

	f.app.Disconnect()
	f.connect(t)
	calls := f.provider.Calls()
	if got := calls[len(calls)-1].Cfg.Voice; got != "Kore" {
		t.Errorf("voice on reconnect = %q", got)
	}
	if f.app.Status().Pending {
		t.Error("nothing should be pending after reconnect")
	}
}

func TestSetGain_AppliesToEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.app.SetGain(2.5)
	if got := f.app.Status().Gain; got != 2.5 {
		t.Errorf("gain = %v", got)
	}
	f.app.SetGain(10)
	if got := f.app.Status().Gain; got != audio.MaxGain {
		t.Errorf("gain = %v; want clamped %v", got, audio.MaxGain)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	old := &config.Config{}
	gain := 2.0
	updated := &config.Config{
		Session: config.SessionConfig{Voice: "Puck", TargetLanguage: "German (Germany)"},
		Audio:   config.AudioConfig{Gain: &gain},
	}
	f.app.ApplyConfig(context.Background(), old, updated, config.Diff(old, updated))

	s := f.app.Settings().Get()
	if s.Voice != "Puck" || s.TargetLanguage != "German (Germany)" || s.Model == "" {
		t.Errorf("settings = %+v", s)
	}
	if !strings.Contains(s.SystemPrompt, "German (Germany)") {
		t.Errorf("translator prompt not regenerated: %q", s.SystemPrompt)
	}
	if f.app.Status().Gain != 2 {
		t.Errorf("gain = %v", f.app.Status().Gain)
	}
}

// ─── Sources ─────────────────────────────────────────────────────────────────

func TestSwitchSource_NoAudioTrack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.display.AudioTracks = 0

	err := f.app.SwitchSource(context.Background(), arbiter.ModeSystemCapture)
	if !errors.Is(err, audio.ErrNoAudioTrack) {
		t.Fatalf("got %v; want ErrNoAudioTrack", err)
	}
	st := f.app.Status()
	if st.Source.Mode != arbiter.ModeMicrophone || st.Message != "Check system audio permissions." {
		t.Errorf("status = %+v", st)
	}
}

func TestSwitchSource_WhileCapturing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	mic := f.media.LastTrack()

	if err := f.app.SwitchSource(context.Background(), arbiter.ModeSystemCapture); err != nil {
		t.Fatalf("SwitchSource: %v", err)
	}
	if !mic.Stopped() {
		t.Error("microphone still running after switch")
	}
	eventually(t, "system capture", func() bool { return f.app.Status().Source.Capturing })
	if st := f.app.Status(); st.Source.Mode != arbiter.ModeSystemCapture {
		t.Errorf("mode = %q", st.Source.Mode)
	}
}

func TestSelectMicrophone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	dev, err := f.app.SelectMicrophone(context.Background(), "yeti")
	if err != nil {
		t.Fatalf("SelectMicrophone: %v", err)
	}
	if dev.ID != "mic-2" || f.app.Settings().Get().MicrophoneID != "mic-2" {
		t.Errorf("selected %+v; settings %q", dev, f.app.Settings().Get().MicrophoneID)
	}

	if _, err := f.app.SelectMicrophone(context.Background(), "kazoo"); !errors.Is(err, arbiter.ErrUnknownDevice) {
		t.Errorf("unknown mic: got %v", err)
	}
	if f.app.Settings().Get().MicrophoneID != "mic-2" {
		t.Error("failed selection changed the stored microphone")
	}
}

func TestConnect_AppliesConfiguredMicrophone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &config.Config{Audio: config.AudioConfig{Microphone: "Yeti Stereo Microphone"}})
	f.connect(t)

	opens := f.media.Opens()
	if len(opens) == 0 || opens[len(opens)-1] != "mic-2" {
		t.Errorf("opens = %v; want last mic-2", opens)
	}
}

// ─── Export ──────────────────────────────────────────────────────────────────

func TestExport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.app.Log().Append(transcript.RoleUser, "hi")

	var buf bytes.Buffer
	if err := f.app.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), `"systemPrompt"`) || !strings.Contains(buf.String(), `"hi"`) {
		t.Errorf("export = %s", buf.String())
	}

	f.app.ClearLog()
	buf.Reset()
	if err := f.app.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), `"conversation": []`) {
		t.Errorf("export after clear = %s", buf.String())
	}
	if got := f.app.ExportFilename(); !strings.HasPrefix(got, "translation-logs-2026-03-01T12") || !strings.HasSuffix(got, ".json") {
		t.Errorf("filename = %q", got)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- f.app.Run(ctx) }()

	f.connect(t)
	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if st := f.app.Status(); st.Connection != realtime.StateDisconnected || st.Source.Capturing {
		t.Errorf("status after shutdown = %+v", st)
	}
	f.player.mu.Lock()
	closed := f.player.closed
	f.player.mu.Unlock()
	if !closed {
		t.Error("player not closed")
	}
}
