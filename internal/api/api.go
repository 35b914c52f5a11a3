// Package api exposes the application over HTTP.
//
// Every route lives under /api and speaks JSON:
//
//   - GET  /api/state                 current [app.Status]
//   - POST /api/connect, /api/disconnect
//   - POST /api/mute                  {"muted": bool}
//   - POST /api/source                {"mode": "microphone"|"system-capture"|"stream"}
//   - POST /api/microphone            {"query": "id or name"}
//   - POST /api/stream                {"url": "..."}
//   - POST /api/gain                  {"gain": 1.5}
//   - GET  /api/devices[?refresh=1]
//   - POST /api/text                  {"text": "..."}
//   - GET, PATCH /api/settings        [settings.Update] for PATCH
//   - GET  /api/personas, /api/languages, /api/voices
//   - GET, DELETE /api/log
//   - GET  /api/log/stream            websocket; one JSON turn list per change
//   - GET  /api/export                download, POST saves into the export dir
//
// Errors are returned as {"error": "...", "message": "..."} where message is
// suitable for display.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/orbit/internal/app"
	"github.com/MrWong99/orbit/internal/arbiter"
	"github.com/MrWong99/orbit/internal/realtime"
	"github.com/MrWong99/orbit/internal/settings"
	"github.com/MrWong99/orbit/internal/transcript"
	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/live"
)

const (
	maxBodyBytes       = 1 << 20
	defaultOpTimeout   = 2 * time.Minute
	streamWriteTimeout = 5 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithOriginPatterns allows websocket connections from the given origins.
// By default only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithOperationTimeout bounds connect and device operations. Default: 2m,
// long enough for a user to answer a permission prompt.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Server) { s.opTimeout = d }
}

// Server serves the control API for one App.
type Server struct {
	app       *app.App
	origins   []string
	opTimeout time.Duration
}

// New creates a Server for a.
func New(a *app.App, opts ...Option) *Server {
	s := &Server{app: a, opTimeout: defaultOpTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/mute", s.handleMute)
	mux.HandleFunc("POST /api/source", s.handleSource)
	mux.HandleFunc("POST /api/microphone", s.handleMicrophone)
	mux.HandleFunc("POST /api/stream", s.handleStream)
	mux.HandleFunc("POST /api/gain", s.handleGain)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/text", s.handleText)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/settings", s.handlePatchSettings)
	mux.HandleFunc("GET /api/personas", s.handlePersonas)
	mux.HandleFunc("GET /api/languages", s.handleLanguages)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/log", s.handleLog)
	mux.HandleFunc("DELETE /api/log", s.handleClearLog)
	mux.HandleFunc("GET /api/log/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("POST /api/export", s.handleSave)
}

// opContext detaches an operation from the request so a client that goes
// away does not abort a half-finished connect, but still bounds it.
func (s *Server) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.opTimeout)
}

// ─── Session ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	if err := s.app.Connect(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.app.Disconnect()
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	if err := s.app.SetMuted(ctx, req.Muted); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.app.SendText(req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Sources ─────────────────────────────────────────────────────────────────

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode arbiter.Mode `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	if err := s.app.SwitchSource(ctx, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	dev, err := s.app.SelectMicrophone(ctx, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	if err := s.app.SetStreamURL(ctx, req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleGain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Gain *float64 `json:"gain"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Gain == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "gain is required"})
		return
	}
	s.app.SetGain(*req.Gain)
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	ctx, cancel := s.opContext(r)
	defer cancel()
	devices, err := s.app.Devices(ctx, refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// ─── Settings ────────────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Settings().Get())
}

// handlePatchSettings applies a partial update. A microphone id or a custom
// stream URL is routed through the source arbiter so that the running
// capture follows.
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if !decode(w, r, &u) {
		return
	}
	mic := u.MicrophoneID
	u.MicrophoneID = nil

	snap, err := s.app.Settings().Apply(u)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Message: "Invalid settings."})
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	if snap.SourceType == settings.SourceURL && u.CustomURL != nil {
		if err := s.app.SetStreamURL(ctx, snap.CustomURL); err != nil {
			writeError(w, err)
			return
		}
	}
	if mic != nil {
		if _, err := s.app.SelectMicrophone(ctx, *mic); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.app.Settings().Get())
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settings.Personas)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settings.Languages)
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := s.app.Capabilities().Voices
	if len(voices) == 0 {
		voices = settings.Voices
	}
	writeJSON(w, http.StatusOK, voices)
}

// ─── Log ─────────────────────────────────────────────────────────────────────

func (s *Server) handleLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, conversation(s.app.Log().Turns()))
}

func (s *Server) handleClearLog(w http.ResponseWriter, _ *http.Request) {
	s.app.ClearLog()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.app.ExportFilename()))
	if err := s.app.Export(w); err != nil {
		slog.Warn("api: export failed", "err", err)
	}
}

func (s *Server) handleSave(w http.ResponseWriter, _ *http.Request) {
	path, err := s.app.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// handleLogStream pushes the turn list over a websocket after every change.
// Only the newest list is kept for a slow reader.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("api: log stream accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	updates := make(chan []transcript.Turn, 1)
	cancel := s.app.Log().Observe(func(turns []transcript.Turn) {
		select {
		case <-updates:
		default:
		}
		updates <- turns
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case turns := <-updates:
			data, err := json.Marshal(conversation(turns))
			if err != nil {
				slog.Error("api: encode log", "err", err)
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				slog.Debug("api: log stream closed", "err", err)
				return
			}
		}
	}
}

func conversation(turns []transcript.Turn) []transcript.ExportedTurn {
	return transcript.NewDocument(transcript.Configuration{}, turns).Conversation
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// decode reads a JSON request body into v. On failure it writes a 400
// response and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps err onto a status code and a display message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := ""
	switch {
	case errors.Is(err, app.ErrEmptyText), errors.Is(err, arbiter.ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, arbiter.ErrNoStreamURL):
		status, msg = http.StatusBadRequest, arbiter.Message(err)
	case errors.Is(err, arbiter.ErrUnknownDevice):
		status, msg = http.StatusNotFound, arbiter.Message(err)
	case errors.Is(err, realtime.ErrNotConnected):
		status, msg = http.StatusConflict, "Connect first."
	case errors.Is(err, realtime.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrPermissionDenied):
		status, msg = http.StatusForbidden, arbiter.Message(err)
	case errors.Is(err, audio.ErrNoAudioTrack):
		status, msg = http.StatusUnprocessableEntity, arbiter.Message(err)
	case errors.Is(err, audio.ErrDeviceUnavailable):
		status, msg = http.StatusServiceUnavailable, arbiter.Message(err)
	case errors.Is(err, live.ErrConfigurationRejected):
		status, msg = http.StatusUnprocessableEntity, "The model rejected the session configuration."
	case errors.Is(err, live.ErrConnectionFailed):
		status, msg = http.StatusBadGateway, "Could not connect to the model."
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("api: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Message: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
