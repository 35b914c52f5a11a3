package settings

import (
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/orbit/pkg/live"
)

func newStore(t *testing.T) *Settings {
	t.Helper()
	s, err := New(Snapshot{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	got := newStore(t).Get()
	if got.Persona != PersonaTranslator || got.Voice != "Orus" || got.Model != DefaultModel {
		t.Errorf("defaults = %+v", got)
	}
	if got.TargetLanguage != "English (United States)" || got.Gain != 1 || got.SourceType != SourceMicrophone {
		t.Errorf("defaults = %+v", got)
	}
	if !strings.HasPrefix(got.SystemPrompt, "TARGET_LANGUAGE: English (United States)") {
		t.Errorf("prompt = %q", got.SystemPrompt[:40])
	}
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	_, err := New(Snapshot{Persona: "pirate", SourceType: "fax", Gain: 9})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"persona", "source type", "gain"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestTargetLanguage_RegeneratesTranslatorPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		persona    Persona
		wantPrefix string
	}{
		{"translator", PersonaTranslator, "TARGET_LANGUAGE: German (Germany)"},
		{"doctor keeps its prompt", PersonaDoctor, "You are an empathetic medical doctor."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			if err := s.SetPersona(tc.persona); err != nil {
				t.Fatalf("SetPersona: %v", err)
			}
			if err := s.SetTargetLanguage("German (Germany)"); err != nil {
				t.Fatalf("SetTargetLanguage: %v", err)
			}
			got := s.Get()
			if got.TargetLanguage != "German (Germany)" {
				t.Errorf("language = %q", got.TargetLanguage)
			}
			if !strings.HasPrefix(got.SystemPrompt, tc.wantPrefix) {
				t.Errorf("prompt = %q; want prefix %q", got.SystemPrompt, tc.wantPrefix)
			}
		})
	}
}

func TestSetPersona_TranslatorUsesCurrentLanguage(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_ = s.SetPersona(PersonaTeacher)
	_ = s.SetTargetLanguage("Japanese (Japan)")
	if err := s.SetPersona(PersonaTranslator); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(s.Get().SystemPrompt, "TARGET_LANGUAGE: Japanese (Japan)") {
		t.Errorf("prompt = %q", s.Get().SystemPrompt)
	}
	if err := s.SetPersona("pirate"); err == nil {
		t.Error("unknown persona accepted")
	}
}

func TestApply_AtomicOnError(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	before := s.Get()
	_, err := s.Apply(Update{Voice: ptr("Kore"), Model: ptr("  ")})
	if err == nil {
		t.Fatal("expected error for empty model")
	}
	if s.Get() != before {
		t.Error("failed update changed settings")
	}
}

func TestApply_ExplicitPromptWins(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	got, err := s.Apply(Update{TargetLanguage: ptr("French (France)"), SystemPrompt: ptr("Be brief.")})
	if err != nil {
		t.Fatal(err)
	}
	if got.SystemPrompt != "Be brief." || got.TargetLanguage != "French (France)" {
		t.Errorf("got %+v", got)
	}
}

func TestSetSource(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if err := s.SetSource(SourceYouTube, "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSource(SourceURL, "https://radio.example/live"); err != nil {
		t.Fatal(err)
	}
	got := s.Get()
	if got.YouTubeURL != "https://youtu.be/x" || got.MediaURL() != "https://radio.example/live" {
		t.Errorf("got %+v", got)
	}
	if err := s.SetSource("fax", ""); err == nil {
		t.Error("invalid source accepted")
	}
}

func TestSetGain_Clamps(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	s.SetGain(7)
	if g := s.Get().Gain; g != 3 {
		t.Errorf("gain = %v; want 3", g)
	}
	s.SetGain(-1)
	if g := s.Get().Gain; g != 0 {
		t.Errorf("gain = %v; want 0", g)
	}
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	var (
		mu    sync.Mutex
		calls []bool
	)
	s.OnChange(func(old, updated Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, SessionChanged(old, updated))
	})

	_ = s.SetVoice("Kore")      // session change
	s.SetGain(2)                // audio only
	s.SetGain(2)                // no change
	s.SetMicrophone("usb-yeti") // audio only
	_ = s.SetVoice("")          // rejected

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, false}
	if len(calls) != len(want) {
		t.Fatalf("handler calls = %v; want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d session change = %v; want %v", i, calls[i], want[i])
		}
	}
}

func TestLiveConfig(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_ = s.SetVoice("Kore")
	cfg := s.Get().LiveConfig()
	want := live.Config{
		Model:               DefaultModel,
		Voice:               "Kore",
		Instructions:        s.Get().SystemPrompt,
		Modality:            live.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
	}
	if cfg != want {
		t.Errorf("LiveConfig = %+v", cfg)
	}
}

func TestInstruction_Personas(t *testing.T) {
	t.Parallel()

	for _, p := range Personas {
		got, err := Instruction(p.ID, "Dutch (Netherlands)")
		if err != nil || got == "" {
			t.Errorf("Instruction(%s) = %q, %v", p.ID, got, err)
		}
	}
}
