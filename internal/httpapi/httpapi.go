// Package httpapi exposes the worker's JSON control plane.
//
// The API is deliberately small: one ingestion endpoint for transcript
// audio and a handful of per-event lifecycle controls. Authentication
// and CORS are handled by the deployment edge, not here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veyra-labs/briefwire/internal/orchestrator"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
)

// maxBodyBytes bounds inbound request bodies. Audio chunks are base64
// of a few seconds of PCM; anything near this limit is malformed.
const maxBodyBytes = 8 << 20

// Control is the slice of the orchestrator the API needs.
type Control interface {
	AppendTranscriptAudio(ctx context.Context, eventID string, chunk realtime.AudioChunk) error
	CreateAgentSessionsForEvent(ctx context.Context, eventID string) error
	StartEventByID(ctx context.Context, eventID string) error
	PauseEvent(ctx context.Context, eventID string) error
	ResumeEvent(ctx context.Context, eventID, agentID string) error
	StopEvent(ctx context.Context, eventID string) error
	EventStatus(eventID string) (orchestrator.EventStatus, bool)
}

// API serves the control-plane routes.
type API struct {
	ctrl Control
	log  *slog.Logger
}

// New creates an API around the given control surface.
func New(ctrl Control, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{ctrl: ctrl, log: log}
}

// Register adds all control-plane routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/transcript/audio", a.appendAudio)
	mux.HandleFunc("POST /events/{id}/sessions", a.createSessions)
	mux.HandleFunc("POST /events/{id}/start", a.startEvent)
	mux.HandleFunc("POST /events/{id}/pause", a.pauseEvent)
	mux.HandleFunc("POST /events/{id}/resume", a.resumeEvent)
	mux.HandleFunc("POST /events/{id}/stop", a.stopEvent)
	mux.HandleFunc("GET /events/{id}/status", a.eventStatus)
}

// audioRequest is the body of POST /sessions/transcript/audio.
type audioRequest struct {
	EventID     string `json:"event_id"`
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"is_final,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
}

func (a *API) appendAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EventID == "" || req.AudioBase64 == "" {
		writeError(w, http.StatusBadRequest, "event_id and audio_base64 are required")
		return
	}
	err := a.ctrl.AppendTranscriptAudio(r.Context(), req.EventID, realtime.AudioChunk{
		AudioBase64: req.AudioBase64,
		Final:       req.Final,
		SampleRate:  req.SampleRate,
		Encoding:    req.Encoding,
		DurationMS:  req.DurationMS,
		Seq:         req.Seq,
		Speaker:     req.Speaker,
	})
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *API) createSessions(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.ctrl.CreateAgentSessionsForEvent)
}

func (a *API) startEvent(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.ctrl.StartEventByID)
}

func (a *API) pauseEvent(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.ctrl.PauseEvent)
}

func (a *API) resumeEvent(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(ctx context.Context, eventID string) error {
		return a.ctrl.ResumeEvent(ctx, eventID, "")
	})
}

func (a *API) stopEvent(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.ctrl.StopEvent)
}

// control runs one lifecycle operation for the {id} path value.
func (a *API) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	eventID := r.PathValue("id")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "event id is required")
		return
	}
	if err := op(r.Context(), eventID); err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse reports one snapshot per agent type, null when the
// runtime is absent.
type statusResponse struct {
	Transcript *orchestrator.AgentSessionStatus `json:"transcript"`
	Cards      *orchestrator.AgentSessionStatus `json:"cards"`
	Facts      *orchestrator.AgentSessionStatus `json:"facts"`
	Status     string                           `json:"status,omitempty"`
}

func (a *API) eventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "event id is required")
		return
	}
	snap, ok := a.ctrl.EventStatus(eventID)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	resp := statusResponse{Status: snap.Status}
	if s, ok := snap.Agents["transcript"]; ok {
		resp.Transcript = &s
	}
	if s, ok := snap.Agents["cards"]; ok {
		resp.Cards = &s
	}
	if s, ok := snap.Agents["facts"]; ok {
		resp.Facts = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeControlError maps orchestrator sentinels onto HTTP statuses.
func (a *API) writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.log.Error("control operation failed",
			"path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes one JSON body, rejecting unknown garbage trailers.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
