// Package api exposes manual outbox triggers and status over HTTP
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/common/leader"
	"go.outboxrelay.tech/internal/outbox"
	"go.outboxrelay.tech/internal/scheduler"
)

// PassRunner runs a processing pass without overlapping the scheduled one
type PassRunner interface {
	RunOnce(ctx context.Context, limit int) error
	Status() scheduler.Status
}

// MessageProcessor processes a single message and records its failure
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, id uuid.UUID) error
}

// LeaderStatus reports the processing lease role
type LeaderStatus interface {
	GetStatus() leader.Status
}

// OutboxHandler serves the /outbox routes
type OutboxHandler struct {
	runner    PassRunner
	processor MessageProcessor
	leader    LeaderStatus
}

// NewOutboxHandler creates the handler. leader may be nil.
func NewOutboxHandler(runner PassRunner, processor MessageProcessor, leader LeaderStatus) *OutboxHandler {
	return &OutboxHandler{runner: runner, processor: processor, leader: leader}
}

// RunResponse is returned by a successful run
type RunResponse struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

// StatusResponse is returned by GET /outbox/status
type StatusResponse struct {
	Trigger scheduler.Status `json:"trigger"`
	Leader  *leader.Status   `json:"leader,omitempty"`
}

// Run handles POST /outbox/run?limit=N
func (h *OutboxHandler) Run(w http.ResponseWriter, r *http.Request) {
	limit := outbox.DefaultBatchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	err := h.runner.RunOnce(r.Context(), limit)
	switch {
	case errors.Is(err, scheduler.ErrPassInProgress):
		WriteConflict(w, err.Error())
	case err != nil:
		log.Error().Err(err).Int("limit", limit).Msg("Manual outbox pass reported errors")
		WriteErrorWithDetails(w, http.StatusInternalServerError, "outbox_pass_failed",
			"the pass completed with configuration errors", err.Error())
	default:
		WriteJSON(w, http.StatusOK, RunResponse{Status: "completed", Limit: limit})
	}
}

// ProcessMessage handles POST /outbox/messages/{id}/process
func (h *OutboxHandler) ProcessMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteBadRequest(w, "id must be a UUID")
		return
	}

	err = h.processor.ProcessMessage(r.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrMessageNotFound):
		WriteNotFound(w, "outbox message not found")
	case err != nil:
		WriteErrorWithDetails(w, http.StatusBadGateway, "outbox_message_failed",
			"the message could not be processed", err.Error())
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "processed"})
	}
}

// Status handles GET /outbox/status
func (h *OutboxHandler) Status(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Trigger: h.runner.Status()}
	if h.leader != nil {
		s := h.leader.GetStatus()
		resp.Leader = &s
	}
	WriteJSON(w, http.StatusOK, resp)
}
