package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/orbit/pkg/audio"
)

// EnumerateDevices implements [audio.UserMedia]. It lists audio inputs
// through ffmpeg's device listing for the current platform. Monitor sources
// are excluded; they are reachable through GetDisplayMedia.
func (b *Backend) EnumerateDevices(ctx context.Context) ([]audio.DeviceInfo, error) {
	if err := b.Available(); err != nil {
		return nil, err
	}

	var (
		args  []string
		parse func(string) []audio.DeviceInfo
	)
	switch b.goos {
	case "linux":
		args = []string{"-hide_banner", "-sources", "pulse"}
		parse = parsePulseSources
	case "darwin":
		args = []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
		parse = parseAVFoundation
	case "windows":
		args = []string{"-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy"}
		parse = parseDShow
	default:
		return nil, fmt.Errorf("ffmpeg: device listing is not supported on %s: %w", b.goos, audio.ErrDeviceUnavailable)
	}

	out, err := b.output(ctx, b.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: list devices: %w", err)
	}
	devices := parse(string(out))
	if len(devices) > 0 && !hasDefault(devices) {
		devices[0].Default = true
	}
	return devices, nil
}

func hasDefault(ds []audio.DeviceInfo) bool {
	for _, d := range ds {
		if d.Default {
			return true
		}
	}
	return false
}

// pulseSourceRE matches "* name [description] (audio)" lines of
// `ffmpeg -sources pulse`.
var pulseSourceRE = regexp.MustCompile(`^(\*?)\s*(\S+)\s+\[(.*)\]`)

func parsePulseSources(out string) []audio.DeviceInfo {
	var devices []audio.DeviceInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if strings.HasPrefix(line, "Auto-detected") || strings.TrimSpace(line) == "" {
			continue
		}
		m := pulseSourceRE.FindStringSubmatch(strings.TrimLeft(line, " "))
		if m == nil {
			continue
		}
		if strings.HasSuffix(m[2], ".monitor") {
			continue
		}
		devices = append(devices, audio.DeviceInfo{
			ID:      m[2],
			Label:   m[3],
			Default: m[1] == "*",
		})
	}
	return devices
}

// avIndexRE matches "[AVFoundation indev @ 0x...] [1] Name".
var avIndexRE = regexp.MustCompile(`\]\s*\[(\d+)\]\s*(.+)$`)

func parseAVFoundation(out string) []audio.DeviceInfo {
	var devices []audio.DeviceInfo
	inAudio := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "audio devices:"):
			inAudio = true
			continue
		case strings.Contains(line, "video devices:"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		if m := avIndexRE.FindStringSubmatch(line); m != nil {
			devices = append(devices, audio.DeviceInfo{ID: m[1], Label: strings.TrimSpace(m[2])})
		}
	}
	return devices
}

// dshowAudioRE matches `[dshow @ 0x...] "Microphone (Realtek)" (audio)`.
var dshowAudioRE = regexp.MustCompile(`"([^"]+)"\s+\(audio\)`)

func parseDShow(out string) []audio.DeviceInfo {
	var devices []audio.DeviceInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if m := dshowAudioRE.FindStringSubmatch(sc.Text()); m != nil {
			devices = append(devices, audio.DeviceInfo{ID: m[1], Label: m[1]})
		}
	}
	return devices
}
