// Package webhooks is the HTTP ingress for telephony callbacks and
// WebRTC client intents. Handlers validate and normalize, hand the
// event to the reconciler, and answer immediately; the provider retries
// on non-2xx so a 400 is reserved for payloads that can never succeed.
package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/normalizer"
	"github.com/livecall/backend/internal/reconciler"
	"github.com/livecall/backend/internal/types"
)

// maxBodySize bounds webhook payloads. Transcription frames are small;
// anything larger is not ours.
const maxBodySize = 1 << 20

// Handler serves the webhook and call-control endpoints
type Handler struct {
	reconciler *reconciler.Reconciler
	logger     zerolog.Logger
}

func NewHandler(rec *reconciler.Reconciler, logger zerolog.Logger) *Handler {
	return &Handler{
		reconciler: rec,
		logger:     logger.With().Str("component", "webhooks").Logger(),
	}
}

// Routes mounts all ingress endpoints on a router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/transcribe", h.Transcribe)
	r.Post("/webhooks/call-state", h.CallState)
	r.Post("/webhooks/recording-status", h.RecordingStatus)
	r.Post("/calls/dial", h.Dial)
	r.Post("/calls/{callId}/hangup", h.Hangup)
	return r
}

// Transcribe handles live transcription frames
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, normalizer.NormalizeTranscribe)
}

// CallState handles call lifecycle updates
func (h *Handler) CallState(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, normalizer.NormalizeCallState)
}

// RecordingStatus handles recording availability callbacks
func (h *Handler) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, normalizer.NormalizeRecordingStatus)
}

// Dial handles a client's outbound dial intent
func (h *Handler) Dial(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, normalizer.NormalizeDial)
}

// Hangup ends the session for the call id in the path
func (h *Handler) Hangup(w http.ResponseWriter, r *http.Request) {
	m := metrics.Get()
	m.RecordEventReceived()

	ev, err := normalizer.NormalizeHangup(chi.URLParam(r, "callId"))
	if err != nil {
		m.RecordEventError()
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	sessionID := h.reconciler.Handle(ev)
	m.RecordEventProcessed()
	respond(w, sessionID)
}

type normalizeFunc func(raw []byte) (*types.Event, error)

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, normalize normalizeFunc) {
	m := metrics.Get()
	m.RecordEventReceived()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		m.RecordEventError()
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	ev, err := normalize(raw)
	if err != nil {
		if errors.Is(err, normalizer.ErrEmptyUtterance) {
			// Acknowledged and dropped, the transcriber sends these
			// for silence and partial frames.
			respond(w, "")
			return
		}
		m.RecordEventError()
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	sessionID := h.reconciler.Handle(ev)
	m.RecordEventProcessed()
	respond(w, sessionID)
}

func respond(w http.ResponseWriter, sessionID string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{"status": "ok"}
	if sessionID != "" {
		resp["call_id"] = sessionID
	}
	json.NewEncoder(w).Encode(resp)
}
