package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/orbit/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

const baseYAML = `
server:
  log_level: info
transport:
  name: gemini-live
session:
  voice: Orus
audio:
  gain: 1
`

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		updated string
		check   func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:    "identical",
			updated: baseYAML,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("expected empty diff, got %+v", d)
				}
			},
		},
		{
			name:    "voice is a session change",
			updated: strings.Replace(baseYAML, "voice: Orus", "voice: Kore", 1),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SessionChanged || d.GainChanged || len(d.RestartRequired) != 0 {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:    "gain applies live",
			updated: strings.Replace(baseYAML, "gain: 1", "gain: 2.5", 1),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.GainChanged || d.NewGain != 2.5 || d.SessionChanged {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:    "log level",
			updated: strings.Replace(baseYAML, "log_level: info", "log_level: debug", 1),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:    "transport needs restart",
			updated: strings.Replace(baseYAML, "name: gemini-live", "name: openai-realtime", 1),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Contains(d.RestartRequired, "transport") {
					t.Errorf("RestartRequired = %v", d.RestartRequired)
				}
			},
		},
		{
			name:    "capture mode",
			updated: baseYAML + "capture:\n  mode: system-capture\n",
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.CaptureChanged {
					t.Errorf("got %+v", d)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.check(t, config.Diff(mustLoad(t, baseYAML), mustLoad(t, tc.updated)))
		})
	}
}
