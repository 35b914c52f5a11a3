package webrtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// offerMedia counts the audio and video sections of an SDP offer that the
// remote peer actually sends.
func offerMedia(offer string) (audioN, videoN int, err error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offer)); err != nil {
		return 0, 0, fmt.Errorf("webrtc: parse offer: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if !sending(md) {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			audioN++
		case "video":
			videoN++
		}
	}
	return audioN, videoN, nil
}

// sending reports whether the offerer transmits on md.
func sending(md *sdp.MediaDescription) bool {
	if md.MediaName.Port.Value == 0 {
		return false
	}
	for _, dir := range []string{"inactive", "recvonly"} {
		if _, ok := md.Attribute(dir); ok {
			return false
		}
	}
	return true
}
