package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
)

const packetBuffer = 256

// PeerTransport is one browser peer connection that sends tab audio to us.
// It decouples the capture logic from pion so tests can feed packets
// directly.
type PeerTransport interface {
	// Answer applies the remote SDP offer and returns the local answer once
	// ICE gathering is complete.
	Answer(ctx context.Context, offer string) (string, error)

	// Packets delivers the Opus payloads of the first remote audio track.
	Packets() <-chan []byte

	// Done is closed when the peer connection fails or closes.
	Done() <-chan struct{}

	// Close tears down the peer connection. It is idempotent.
	Close() error
}

// TransportFactory creates a fresh [PeerTransport] per offer.
type TransportFactory func() (PeerTransport, error)

// PionFactory returns a [TransportFactory] backed by pion/webrtc using the
// given STUN servers.
func PionFactory(stunServers ...string) TransportFactory {
	return func() (PeerTransport, error) {
		return newPionTransport(stunServers)
	}
}

// pionTransport implements [PeerTransport] with a pion PeerConnection.
type pionTransport struct {
	pc      *webrtc.PeerConnection
	packets chan []byte
	done    chan struct{}

	trackOnce sync.Once
	doneOnce  sync.Once
	closeOnce sync.Once
}

var _ PeerTransport = (*pionTransport)(nil)

func newPionTransport(stunServers []string) (*pionTransport, error) {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	t := &pionTransport{
		pc:      pc,
		packets: make(chan []byte, packetBuffer),
		done:    make(chan struct{}),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
			slog.Warn("webrtc: ignoring non-opus audio track", "codec", track.Codec().MimeType)
			return
		}
		t.trackOnce.Do(func() {
			slog.Info("webrtc: tab audio track received", "ssrc", uint32(track.SSRC()))
			go t.readTrack(track)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("webrtc: peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			t.finish()
		}
	})
	return t, nil
}

func (t *pionTransport) readTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			t.finish()
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		select {
		case t.packets <- payload:
		default:
			// Reader fell behind; drop rather than stall RTP.
		}
	}
}

func (t *pionTransport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Answer implements [PeerTransport].
func (t *pionTransport) Answer(ctx context.Context, offer string) (string, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return "", errors.New("webrtc: no local description after gathering")
	}
	return local.SDP, nil
}

// Packets implements [PeerTransport].
func (t *pionTransport) Packets() <-chan []byte { return t.packets }

// Done implements [PeerTransport].
func (t *pionTransport) Done() <-chan struct{} { return t.done }

// Close implements [PeerTransport].
func (t *pionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
		t.finish()
	})
	return err
}
