// Package httpx is the HTTP surface of the coordinator: message ingest plus
// read-only views of the outbox and the saga journal.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const defaultListLimit = 100

// Dispatcher is the part of saga.Dispatcher the handler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, mc saga.MessageContext) (int, error)
}

type Handler struct {
	codec      *messaging.Codec
	dispatcher Dispatcher
	outbox     outbox.Lister      // nil disables the outbox routes
	journal    sagalog.Repository // nil disables the journal route
}

func NewHandler(codec *messaging.Codec, dispatcher Dispatcher, lister outbox.Lister, journal sagalog.Repository) *Handler {
	return &Handler{
		codec:      codec,
		dispatcher: dispatcher,
		outbox:     lister,
		journal:    journal,
	}
}

// PublishMessage decodes an inbound message and dispatches it synchronously.
// The message id falls back to the idempotency key header, then to the
// request id.
func (h *Handler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	var req PublishMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}

	ctx := r.Context()
	if req.MessageID == "" {
		req.MessageID, _ = ctx.Value(constants.ContextKeyIdempotencyKey).(string)
	}
	if req.MessageID == "" {
		req.MessageID = middleware.GetReqID(ctx)
	}
	if req.CorrelationID == "" {
		req.CorrelationID, _ = ctx.Value(constants.ContextKeyCorrelationID).(string)
	}

	mc, err := h.codec.Context(messaging.Envelope{
		MessageID:     req.MessageID,
		CorrelationID: req.CorrelationID,
		SenderID:      req.SenderID,
		Kind:          saga.Kind(req.Kind),
		Payload:       req.Payload,
	})
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, messaging.ErrUnknownKind) {
			code = "unknown_kind"
		}
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	slog.InfoContext(ctx, "dispatching message",
		"kind", req.Kind, "correlation_id", req.CorrelationID, "message_id", req.MessageID)

	handled, err := h.dispatcher.Dispatch(ctx, mc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, PublishMessageResponse{MessageID: req.MessageID, Handled: handled})
}

// ListOutbox supports ?status= and ?limit=.
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	if h.outbox == nil {
		writeError(w, http.StatusNotImplemented, "outbox_unavailable", "")
		return
	}

	var status outbox.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := outbox.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		status = parsed
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.outbox.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outbox_error", err.Error())
		return
	}
	out := make([]OutboxEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = mapEntryToResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetOutboxEntry(w http.ResponseWriter, r *http.Request) {
	if h.outbox == nil {
		writeError(w, http.StatusNotImplemented, "outbox_unavailable", "")
		return
	}
	entry, err := h.outbox.Get(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, outbox.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outbox_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapEntryToResponse(entry))
}

// GetSagaLog returns every journal row of one correlation id, oldest first.
func (h *Handler) GetSagaLog(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotImplemented, "journal_unavailable", "")
		return
	}
	id := chi.URLParam(r, "correlationID")
	rows, err := h.journal.List(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "saga_not_found", id)
		return
	}
	out := make([]SagaLogResponse, len(rows))
	for i, row := range rows {
		out[i] = mapLogToResponse(row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mapEntryToResponse(e *outbox.Entry) OutboxEntryResponse {
	resp := OutboxEntryResponse{
		IdempotencyKey: e.IdempotencyKey,
		StepName:       e.StepName,
		CorrelationID:  e.CorrelationID,
		MessageType:    e.MessageType,
		Status:         string(e.Status),
		AttemptCount:   e.AttemptCount,
		LastError:      e.LastError,
		CreatedAt:      formatTime(e.CreatedAt),
		ProcessedAt:    formatTimePtr(e.ProcessedAt),
		ExpiresAt:      formatTimePtr(e.ExpiresAt),
		ClaimedBy:      e.ClaimedBy,
		ClaimExpiresAt: formatTimePtr(e.ClaimExpiresAt),
	}
	if json.Valid(e.Payload) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}

func mapLogToResponse(l *sagalog.SagaLog) SagaLogResponse {
	return SagaLogResponse{
		SagaID:      l.SagaID,
		SagaName:    l.SagaName,
		Status:      string(l.Status),
		CurrentStep: l.CurrentStep,
		Payload:     l.Payload,
		Errors:      l.Errors(),
		TraceID:     l.TraceID,
		SpanID:      l.SpanID,
		UpdatedAt:   formatTime(l.UpdatedAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
