// Package webrtc provides an [audio.DisplayMedia] implementation that
// receives browser tab or screen audio over WebRTC via pion/webrtc.
//
// A call to [Capture.GetDisplayMedia] stands for the browser's share prompt:
// it blocks until the capture page posts an SDP offer (see
// [Capture.Handler]) or until its context is cancelled, which counts as the
// user dismissing the prompt. The answered peer connection becomes an
// [audio.Stream] whose audio track decodes Opus to 48 kHz stereo float32.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"layeh.com/gopus"

	"github.com/MrWong99/orbit/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.DisplayMedia = (*Capture)(nil)

// ErrNoPendingCapture is returned by [Capture.Offer] when nobody is waiting
// in GetDisplayMedia.
var ErrNoPendingCapture = errors.New("webrtc: no capture request pending")

// Opus parameters of browser audio.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	maxOpusFrame   = 5760 // 120 ms at 48 kHz, the largest Opus frame
)

// decoder is the subset of *gopus.Decoder used by tracks.
type decoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// Option configures a [Capture].
type Option func(*Capture)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(c *Capture) {
		c.stunServers = servers
	}
}

// WithTransportFactory replaces the pion transport, mainly for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Capture) {
		c.newTransport = f
	}
}

// Capture implements [audio.DisplayMedia] for browser tabs. It is safe for
// concurrent use; at most one GetDisplayMedia call waits at a time and a
// newer call replaces the older one.
type Capture struct {
	stunServers  []string
	newTransport TransportFactory
	newDecoder   func() (decoder, error)

	mu       sync.Mutex
	waiting  *request
	inflight *request // claimed by an Offer that is still answering
}

type request struct {
	id       string
	result   chan audio.Stream // buffered; written under Capture.mu
	replaced chan struct{}

	// gone is set under Capture.mu once the waiter stops listening.
	gone bool
}

// New creates a Capture with the given options applied.
func New(opts ...Option) *Capture {
	c := &Capture{
		stunServers: []string{"stun:stun.l.google.com:19302"},
		newDecoder: func() (decoder, error) {
			return gopus.NewDecoder(opusSampleRate, opusChannels)
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.newTransport == nil {
		c.newTransport = PionFactory(c.stunServers...)
	}
	return c
}

// Pending reports whether a GetDisplayMedia call is waiting for an offer.
func (c *Capture) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting != nil
}

// GetDisplayMedia implements [audio.DisplayMedia]. It waits for the capture
// page to post an offer. Cancelling ctx returns an error wrapping
// [audio.ErrPermissionDenied].
func (c *Capture) GetDisplayMedia(ctx context.Context) (audio.Stream, error) {
	req := &request{
		id:       uuid.NewString(),
		result:   make(chan audio.Stream, 1),
		replaced: make(chan struct{}),
	}

	c.mu.Lock()
	for _, prev := range []*request{c.waiting, c.inflight} {
		if prev != nil && !prev.gone {
			prev.gone = true
			close(prev.replaced)
		}
	}
	c.waiting, c.inflight = req, nil
	c.mu.Unlock()
	slog.Info("webrtc: waiting for tab capture offer", "request_id", req.id)

	select {
	case s := <-req.result:
		return s, nil
	case <-req.replaced:
		return nil, fmt.Errorf("webrtc: capture request replaced: %w", audio.ErrPermissionDenied)
	case <-ctx.Done():
		c.abandon(req)
		return nil, fmt.Errorf("webrtc: share prompt dismissed: %w: %w", audio.ErrPermissionDenied, ctx.Err())
	}
}

// abandon marks req as gone and stops a stream delivered before that.
func (c *Capture) abandon(req *request) {
	c.mu.Lock()
	req.gone = true
	if c.waiting == req {
		c.waiting = nil
	}
	if c.inflight == req {
		c.inflight = nil
	}
	c.mu.Unlock()
	select {
	case s := <-req.result:
		_ = audio.StopAll(s)
	default:
	}
}

// Offer answers a browser SDP offer and hands the resulting stream to the
// waiting GetDisplayMedia call. If that call returned while the offer was
// being answered, the stream is stopped and the error wraps
// [ErrNoPendingCapture].
func (c *Capture) Offer(ctx context.Context, offer string) (string, error) {
	c.mu.Lock()
	req := c.waiting
	c.waiting = nil
	if req != nil {
		c.inflight = req
	}
	c.mu.Unlock()
	if req == nil {
		return "", ErrNoPendingCapture
	}

	audioN, videoN, err := offerMedia(offer)
	if err != nil {
		c.requeue(req)
		return "", err
	}

	t, err := c.newTransport()
	if err != nil {
		c.requeue(req)
		return "", err
	}
	answer, err := t.Answer(ctx, offer)
	if err != nil {
		_ = t.Close()
		c.requeue(req)
		return "", err
	}

	s, err := c.newStream(req.id, t, audioN, videoN)
	if err != nil {
		_ = t.Close()
		c.requeue(req)
		return "", err
	}

	c.mu.Lock()
	if c.inflight == req {
		c.inflight = nil
	}
	if req.gone {
		c.mu.Unlock()
		_ = audio.StopAll(s)
		slog.Info("webrtc: share prompt closed before the offer was answered", "request_id", req.id)
		return "", fmt.Errorf("%w: share prompt closed", ErrNoPendingCapture)
	}
	req.result <- s
	c.mu.Unlock()

	slog.Info("webrtc: tab capture connected", "request_id", req.id, "audio_tracks", min(audioN, 1), "video_tracks", videoN)
	return answer, nil
}

// requeue puts req back so the user can retry sharing, unless its waiter
// has already returned.
func (c *Capture) requeue(req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == req {
		c.inflight = nil
	}
	if !req.gone && c.waiting == nil {
		c.waiting = req
	}
}

func (c *Capture) newStream(id string, t PeerTransport, audioN, videoN int) (*stream, error) {
	s := &stream{id: "tab-" + id, transport: t}
	if audioN > 0 {
		dec, err := c.newDecoder()
		if err != nil {
			return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
		}
		s.add(newAudioTrack(s, s.id+"-audio", dec, t))
	}
	for i := range videoN {
		s.add(newVideoTrack(s, fmt.Sprintf("%s-video-%d", s.id, i)))
	}
	if len(s.tracks) == 0 {
		_ = t.Close()
	}
	return s, nil
}
