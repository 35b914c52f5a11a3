package config

import "reflect"

// ConfigDiff describes what changed between two configs and how each change
// can be applied while running.
type ConfigDiff struct {
	// SessionChanged means the session section changed. The new settings are
	// queued and take effect on the next connect.
	SessionChanged bool

	// GainChanged means audio.gain changed; it applies to the running capture.
	GainChanged bool
	NewGain     float64

	// CaptureChanged means the selected mode, microphone or stream URL changed.
	CaptureChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed keys that only take effect after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no change.
func (d ConfigDiff) Empty() bool {
	return !d.SessionChanged && !d.GainChanged && !d.CaptureChanged &&
		!d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and updated configs and returns what changed.
func Diff(old, updated *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != updated.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = updated.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Session, updated.Session) {
		d.SessionChanged = true
	}

	oldGain, newGain := old.Settings().Gain, updated.Settings().Gain
	if oldGain != newGain {
		d.GainChanged = true
		d.NewGain = newGain
	}

	if old.Capture.Mode != updated.Capture.Mode ||
		old.Capture.StreamURL != updated.Capture.StreamURL ||
		old.Audio.Microphone != updated.Audio.Microphone {
		d.CaptureChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server", !reflect.DeepEqual(old.Server.TLS, updated.Server.TLS) || old.Server.ListenAddr != updated.Server.ListenAddr)
	restart("transport", !reflect.DeepEqual(old.Transport, updated.Transport))
	restart("audio.ffmpeg_path", old.Audio.FFmpegPath != updated.Audio.FFmpegPath)
	restart("audio.read_size", old.Audio.ReadSize != updated.Audio.ReadSize)
	restart("audio.playback", old.Audio.Playback != updated.Audio.Playback ||
		old.Audio.FFplayPath != updated.Audio.FFplayPath ||
		old.Audio.PlaybackVolume != updated.Audio.PlaybackVolume)
	restart("capture.system_backend", old.Capture.SystemBackend != updated.Capture.SystemBackend ||
		old.Capture.SystemSource != updated.Capture.SystemSource ||
		!reflect.DeepEqual(old.Capture.STUNServers, updated.Capture.STUNServers))
	restart("capture.match_threshold", old.Capture.MatchThreshold != updated.Capture.MatchThreshold)
	restart("export.dir", old.Export.Dir != updated.Export.Dir)

	return d
}
