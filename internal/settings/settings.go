// Package settings holds the user-adjustable session settings.
//
// [Settings] replaces ambient global state: it is created once by the app,
// passed to whoever needs it, and changed only through its command methods
// ([Settings.SetPersona], [Settings.SetTargetLanguage], [Settings.Apply], …).
// Observers registered with [Settings.OnChange] see every accepted change.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

// Defaults for a fresh [Snapshot].
const (
	DefaultModel          = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice          = "Orus"
	DefaultTargetLanguage = "English (United States)"
)

// SourceType selects where the audio to translate comes from. Everything but
// the microphone is an external media page; its audio is reachable only
// through system capture or, for direct media URLs, stream capture.
type SourceType string

const (
	SourceMicrophone SourceType = "microphone"
	SourceYouTube    SourceType = "youtube"
	SourceJitsi      SourceType = "jitsi"
	SourceURL        SourceType = "url"
)

// IsValid reports whether t is a known source type.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceMicrophone, SourceYouTube, SourceJitsi, SourceURL:
		return true
	}
	return false
}

// Snapshot is an immutable copy of the settings.
type Snapshot struct {
	Persona        Persona `json:"persona"`
	SystemPrompt   string  `json:"systemPrompt"`
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	TargetLanguage string  `json:"targetLanguage"`

	Modality            live.Modality `json:"modality"`
	InputTranscription  bool          `json:"inputTranscription"`
	OutputTranscription bool          `json:"outputTranscription"`

	SourceType SourceType `json:"sourceType"`
	YouTubeURL string     `json:"youtubeUrl"`
	JitsiURL   string     `json:"jitsiUrl"`
	CustomURL  string     `json:"customUrl"`

	MicrophoneID string  `json:"microphoneId"`
	Gain         float64 `json:"gain"`
}

// Defaults returns the settings of a fresh install.
func Defaults() Snapshot {
	prompt, _ := Instruction(PersonaTranslator, DefaultTargetLanguage)
	return Snapshot{
		Persona:             PersonaTranslator,
		SystemPrompt:        prompt,
		Model:               DefaultModel,
		Voice:               DefaultVoice,
		TargetLanguage:      DefaultTargetLanguage,
		Modality:            live.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
		SourceType:          SourceMicrophone,
		Gain:                1,
	}
}

// LiveConfig derives the transport configuration.
func (s Snapshot) LiveConfig() live.Config {
	return live.Config{
		Model:               s.Model,
		Voice:               s.Voice,
		Instructions:        s.SystemPrompt,
		Modality:            s.Modality,
		InputTranscription:  s.InputTranscription,
		OutputTranscription: s.OutputTranscription,
	}.WithDefaults()
}

// MediaURL returns the URL of the selected external source, or "".
func (s Snapshot) MediaURL() string {
	switch s.SourceType {
	case SourceYouTube:
		return s.YouTubeURL
	case SourceJitsi:
		return s.JitsiURL
	case SourceURL:
		return s.CustomURL
	default:
		return ""
	}
}

// Validate returns every problem with s joined.
func (s Snapshot) Validate() error {
	var errs []error
	if !s.Persona.IsValid() {
		errs = append(errs, fmt.Errorf("persona %q is not valid", s.Persona))
	}
	if strings.TrimSpace(s.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if strings.TrimSpace(s.Voice) == "" {
		errs = append(errs, errors.New("voice is required"))
	}
	if strings.TrimSpace(s.TargetLanguage) == "" {
		errs = append(errs, errors.New("target language is required"))
	}
	if s.Modality != "" && !s.Modality.IsValid() {
		errs = append(errs, fmt.Errorf("modality %q is not valid", s.Modality))
	}
	if !s.SourceType.IsValid() {
		errs = append(errs, fmt.Errorf("source type %q is not valid", s.SourceType))
	}
	if s.Gain < 0 || s.Gain > audio.MaxGain {
		errs = append(errs, fmt.Errorf("gain %.2f is outside [0, %.0f]", s.Gain, audio.MaxGain))
	}
	return errors.Join(errs...)
}

// Update is a partial change. Nil fields are left alone. Persona and
// TargetLanguage regenerate the system prompt like their setters; an
// explicit SystemPrompt in the same update wins.
type Update struct {
	Persona             *Persona       `json:"persona,omitempty"`
	SystemPrompt        *string        `json:"systemPrompt,omitempty"`
	Model               *string        `json:"model,omitempty"`
	Voice               *string        `json:"voice,omitempty"`
	TargetLanguage      *string        `json:"targetLanguage,omitempty"`
	Modality            *live.Modality `json:"modality,omitempty"`
	InputTranscription  *bool          `json:"inputTranscription,omitempty"`
	OutputTranscription *bool          `json:"outputTranscription,omitempty"`
	SourceType          *SourceType    `json:"sourceType,omitempty"`
	YouTubeURL          *string        `json:"youtubeUrl,omitempty"`
	JitsiURL            *string        `json:"jitsiUrl,omitempty"`
	CustomURL           *string        `json:"customUrl,omitempty"`
	MicrophoneID        *string        `json:"microphoneId,omitempty"`
	Gain                *float64       `json:"gain,omitempty"`
}

// ChangeHandler observes accepted changes.
type ChangeHandler func(old, updated Snapshot)

// Settings is the settings store. It is safe for concurrent use.
type Settings struct {
	mu       sync.Mutex
	cur      Snapshot
	handlers []ChangeHandler
}

// New returns a store holding initial. Zero fields take their defaults.
func New(initial Snapshot) (*Settings, error) {
	s := fill(initial)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &Settings{cur: s}, nil
}

// fill replaces zero fields with defaults. A missing prompt is derived from
// the persona.
func fill(s Snapshot) Snapshot {
	d := Defaults()
	if s.Persona == "" {
		s.Persona = d.Persona
	}
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.Voice == "" {
		s.Voice = d.Voice
	}
	if s.TargetLanguage == "" {
		s.TargetLanguage = d.TargetLanguage
	}
	if s.Modality == "" {
		s.Modality = d.Modality
	}
	if s.SourceType == "" {
		s.SourceType = d.SourceType
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt, _ = Instruction(s.Persona, s.TargetLanguage)
	}
	return s
}

// Get returns the current settings.
func (s *Settings) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// OnChange registers h. It runs after the change is stored, outside the lock.
func (s *Settings) OnChange(h ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SetPersona selects p and replaces the system prompt with its instruction.
func (s *Settings) SetPersona(p Persona) error {
	_, err := s.Apply(Update{Persona: &p})
	return err
}

// SetTargetLanguage sets lang. With the translator persona the system prompt
// is regenerated for lang.
func (s *Settings) SetTargetLanguage(lang string) error {
	_, err := s.Apply(Update{TargetLanguage: &lang})
	return err
}

// SetSystemPrompt replaces the system prompt.
func (s *Settings) SetSystemPrompt(prompt string) error {
	_, err := s.Apply(Update{SystemPrompt: &prompt})
	return err
}

// SetVoice sets the synthesis voice.
func (s *Settings) SetVoice(voice string) error {
	_, err := s.Apply(Update{Voice: &voice})
	return err
}

// SetModel sets the model id.
func (s *Settings) SetModel(model string) error {
	_, err := s.Apply(Update{Model: &model})
	return err
}

// SetSource selects the source type and stores its URL.
func (s *Settings) SetSource(t SourceType, url string) error {
	u := Update{SourceType: &t}
	switch t {
	case SourceYouTube:
		u.YouTubeURL = &url
	case SourceJitsi:
		u.JitsiURL = &url
	case SourceURL:
		u.CustomURL = &url
	}
	_, err := s.Apply(u)
	return err
}

// SetMicrophone stores the selected microphone id.
func (s *Settings) SetMicrophone(id string) {
	_, _ = s.Apply(Update{MicrophoneID: &id})
}

// SetGain stores g clamped to [0, audio.MaxGain].
func (s *Settings) SetGain(g float64) {
	g = audio.ClampGain(g)
	_, _ = s.Apply(Update{Gain: &g})
}

// Apply validates and stores u atomically. Nothing changes on error.
func (s *Settings) Apply(u Update) (Snapshot, error) {
	s.mu.Lock()
	old := s.cur
	next, err := merge(old, u)
	if err != nil {
		s.mu.Unlock()
		return old, err
	}
	s.cur = next
	handlers := s.handlers
	s.mu.Unlock()

	if next != old {
		for _, h := range handlers {
			h(old, next)
		}
	}
	return next, nil
}

func merge(s Snapshot, u Update) (Snapshot, error) {
	regenerate := false
	if u.Persona != nil {
		s.Persona = *u.Persona
		regenerate = true
	}
	if u.TargetLanguage != nil {
		s.TargetLanguage = strings.TrimSpace(*u.TargetLanguage)
		regenerate = regenerate || s.Persona == PersonaTranslator
	}
	if u.Model != nil {
		s.Model = strings.TrimSpace(*u.Model)
	}
	if u.Voice != nil {
		s.Voice = strings.TrimSpace(*u.Voice)
	}
	if u.Modality != nil {
		s.Modality = *u.Modality
	}
	if u.InputTranscription != nil {
		s.InputTranscription = *u.InputTranscription
	}
	if u.OutputTranscription != nil {
		s.OutputTranscription = *u.OutputTranscription
	}
	if u.SourceType != nil {
		s.SourceType = *u.SourceType
	}
	if u.YouTubeURL != nil {
		s.YouTubeURL = *u.YouTubeURL
	}
	if u.JitsiURL != nil {
		s.JitsiURL = *u.JitsiURL
	}
	if u.CustomURL != nil {
		s.CustomURL = *u.CustomURL
	}
	if u.MicrophoneID != nil {
		s.MicrophoneID = *u.MicrophoneID
	}
	if u.Gain != nil {
		s.Gain = *u.Gain
	}

	if err := s.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("settings: %w", err)
	}
	if regenerate {
		s.SystemPrompt, _ = Instruction(s.Persona, s.TargetLanguage)
	}
	if u.SystemPrompt != nil {
		s.SystemPrompt = *u.SystemPrompt
	}
	return s, nil
}

// SessionChanged reports whether moving from old to updated changes the
// transport configuration, which only applies on the next connect.
func SessionChanged(old, updated Snapshot) bool {
	return old.LiveConfig() != updated.LiveConfig()
}
