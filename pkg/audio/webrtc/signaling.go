package webrtc

import (
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
)

//go:embed capture.html
var capturePage []byte

// Handler returns an http.Handler that serves the signaling endpoints:
//
//	GET  /capture          capture page that shares a tab and posts its offer
//	GET  /capture/pending  {"pending": bool}, whether a share is awaited
//	POST /capture/offer    browser sends its SDP offer, gets the SDP answer
func (c *Capture) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /capture", c.handlePage)
	mux.HandleFunc("GET /capture/pending", c.handlePending)
	mux.HandleFunc("POST /capture/offer", c.handleOffer)
	return mux
}

// sessionDescription mirrors the browser's RTCSessionDescriptionInit.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (c *Capture) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(capturePage)
}

func (c *Capture) handlePending(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"pending": c.Pending()})
}

// handleOffer handles POST /capture/offer.
func (c *Capture) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req sessionDescription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type != "offer" || req.SDP == "" {
		http.Error(w, "an SDP offer is required", http.StatusBadRequest)
		return
	}

	answer, err := c.Offer(r.Context(), req.SDP)
	switch {
	case errors.Is(err, ErrNoPendingCapture):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "failed to answer offer: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionDescription{Type: "answer", SDP: answer})
}
