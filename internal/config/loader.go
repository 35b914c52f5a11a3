package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/orbit/internal/arbiter"
)

// TransportNames lists the transports that ship with Orbit.
// Used by [Validate] to warn about unrecognised names.
var TransportNames = []string{"gemini-live", "gemini-genai", "openai-realtime"}

// LoadEnv loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env %q: %w", path, err)
	}
	slog.Debug("loaded environment file", "path", path)
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} and $VAR with environment values. Unset
// variables become empty.
func expandEnv(b []byte) []byte {
	return []byte(os.ExpandEnv(string(b)))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(TransportNames, cfg.Transport.Name) {
		slog.Warn("unknown transport name, may be a typo or third-party transport",
			"name", cfg.Transport.Name,
			"known", TransportNames,
		)
	}
	if cfg.Transport.APIKey == "" {
		slog.Warn("transport.api_key is empty; connecting will fail unless the transport needs no key")
	}
	if cfg.Transport.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transport.queue_size %d must not be negative", cfg.Transport.QueueSize))
	}
	if cfg.Transport.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("transport.failure_threshold %d must not be negative", cfg.Transport.FailureThreshold))
	}
	if cfg.Transport.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("transport.cooldown %s must not be negative", cfg.Transport.Cooldown))
	}
	for i, fb := range cfg.Transport.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("transport.fallbacks[%d].name is required", i))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("transport.fallbacks[%d] must not declare fallbacks", i))
		}
	}

	// Session
	s := cfg.Session
	if s.Persona != "" && !s.Persona.IsValid() {
		errs = append(errs, fmt.Errorf("session.persona %q is invalid", s.Persona))
	}
	if s.Modality != "" && !s.Modality.IsValid() {
		errs = append(errs, fmt.Errorf("session.modality %q is invalid; valid values: audio, text", s.Modality))
	}
	if s.SourceType != "" && !s.SourceType.IsValid() {
		errs = append(errs, fmt.Errorf("session.source_type %q is invalid; valid values: microphone, youtube, jitsi, url", s.SourceType))
	}

	// Audio
	if g := cfg.Audio.Gain; g != nil && (*g < 0 || *g > 3) {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range [0, 3]", *g))
	}
	if cfg.Audio.ReadSize < 0 {
		errs = append(errs, fmt.Errorf("audio.read_size %d must not be negative", cfg.Audio.ReadSize))
	}
	if v := cfg.Audio.PlaybackVolume; v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("audio.playback_volume %d is out of range [0, 100]", v))
	}

	// Capture
	c := cfg.Capture
	if c.Mode != "" && !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: microphone, system-capture, stream", c.Mode))
	}
	if c.SystemBackend != "" && !c.SystemBackend.IsValid() {
		errs = append(errs, fmt.Errorf("capture.system_backend %q is invalid; valid values: ffmpeg, webrtc", c.SystemBackend))
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.match_threshold %.2f is out of range (0, 1]", c.MatchThreshold))
	}
	if c.Mode == arbiter.ModeStream && c.StreamURL == "" {
		slog.Warn("capture.mode is stream but capture.stream_url is empty; set one before connecting")
	}

	return errors.Join(errs...)
}
