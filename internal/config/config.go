// Package config provides the configuration schema, loader, and transport
// registry for Orbit.
package config

import (
	"time"

	"github.com/MrWong99/orbit/internal/arbiter"
	"github.com/MrWong99/orbit/internal/settings"
	"github.com/MrWong99/orbit/pkg/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SystemBackend selects how system or tab audio is captured.
type SystemBackend string

const (
	// SystemFFmpeg records the desktop mix through an ffmpeg subprocess.
	SystemFFmpeg SystemBackend = "ffmpeg"

	// SystemWebRTC receives a shared browser tab over WebRTC.
	SystemWebRTC SystemBackend = "webrtc"
)

// IsValid reports whether b is a recognised backend.
func (b SystemBackend) IsValid() bool {
	return b == SystemFFmpeg || b == SystemWebRTC
}

// Config is the root configuration structure for Orbit.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Capture   CaptureConfig   `yaml:"capture"`
	Export    ExportConfig    `yaml:"export"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig selects the live model transport. Name is looked up in the
// [Registry].
type TransportConfig struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Usually "${GEMINI_API_KEY}".
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// QueueSize bounds the outbound frame queue. Zero uses the client default.
	QueueSize int `yaml:"queue_size"`

	// Options holds transport-specific values.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this transport cannot be reached.
	// Only valid on the top-level transport; fallbacks cannot nest.
	Fallbacks []TransportConfig `yaml:"fallbacks"`

	// FailureThreshold is the number of consecutive connect failures after
	// which a transport is skipped for Cooldown. Zero uses the default.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long a failing transport is skipped. Zero uses the
	// default.
	Cooldown time.Duration `yaml:"cooldown"`
}

// SessionConfig seeds the settings store. Zero values take the settings
// defaults.
type SessionConfig struct {
	Persona        settings.Persona `yaml:"persona"`
	SystemPrompt   string           `yaml:"system_prompt"`
	Model          string           `yaml:"model"`
	Voice          string           `yaml:"voice"`
	TargetLanguage string           `yaml:"target_language"`
	Modality       live.Modality    `yaml:"modality"`

	// InputTranscription and OutputTranscription default to true.
	InputTranscription  *bool `yaml:"input_transcription"`
	OutputTranscription *bool `yaml:"output_transcription"`

	SourceType settings.SourceType `yaml:"source_type"`
	YouTubeURL string              `yaml:"youtube_url"`
	JitsiURL   string              `yaml:"jitsi_url"`
	CustomURL  string              `yaml:"custom_url"`
}

// AudioConfig configures local capture and playback.
type AudioConfig struct {
	// FFmpegPath is the ffmpeg binary. Empty means "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Microphone selects the input device by id or name. Empty uses the
	// default device.
	Microphone string `yaml:"microphone"`

	// Gain is applied before quantisation, in [0, 3]. Defaults to 1.
	Gain *float64 `yaml:"gain"`

	// ReadSize is the number of source samples read per chunk.
	ReadSize int `yaml:"read_size"`

	// Playback plays the model's audio through ffplay.
	Playback bool `yaml:"playback"`

	// FFplayPath is the ffplay binary. Empty means "ffplay" from PATH.
	FFplayPath string `yaml:"ffplay_path"`

	// PlaybackVolume is ffplay's volume in [0, 100]. Zero means 100.
	PlaybackVolume int `yaml:"playback_volume"`
}

// CaptureConfig configures source arbitration.
type CaptureConfig struct {
	// Mode is the input selected at startup. Defaults to microphone.
	Mode arbiter.Mode `yaml:"mode"`

	// SystemBackend selects the system capture implementation. Defaults to
	// ffmpeg.
	SystemBackend SystemBackend `yaml:"system_backend"`

	// SystemSource is the ffmpeg device recorded for system capture.
	SystemSource string `yaml:"system_source"`

	// StreamURL is the media URL decoded in stream mode.
	StreamURL string `yaml:"stream_url"`

	// STUNServers are used by the WebRTC backend.
	STUNServers []string `yaml:"stun_servers"`

	// MatchThreshold is the minimum fuzzy score for microphone names, in
	// (0, 1]. Defaults to 0.85.
	MatchThreshold float64 `yaml:"match_threshold"`
}

// ExportConfig configures conversation log export.
type ExportConfig struct {
	// Dir receives saved logs. Defaults to the working directory.
	Dir string `yaml:"dir"`
}

// Settings converts the session and audio sections into an initial settings
// snapshot.
func (c *Config) Settings() settings.Snapshot {
	s := settings.Snapshot{
		Persona:             c.Session.Persona,
		SystemPrompt:        c.Session.SystemPrompt,
		Model:               c.Session.Model,
		Voice:               c.Session.Voice,
		TargetLanguage:      c.Session.TargetLanguage,
		Modality:            c.Session.Modality,
		InputTranscription:  boolOr(c.Session.InputTranscription, true),
		OutputTranscription: boolOr(c.Session.OutputTranscription, true),
		SourceType:          c.Session.SourceType,
		YouTubeURL:          c.Session.YouTubeURL,
		JitsiURL:            c.Session.JitsiURL,
		CustomURL:           c.Session.CustomURL,
		MicrophoneID:        c.Audio.Microphone,
		Gain:                1,
	}
	if c.Audio.Gain != nil {
		s.Gain = *c.Audio.Gain
	}
	return s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
