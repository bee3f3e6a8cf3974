package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/service"
)

// defaultPageSize is the wager list page size when limit is not given.
const defaultPageSize = 50

// WagerService defines the methods that the wager handler requires from the
// service layer.
type WagerService interface {
	Create(ctx context.Context, req service.CreateRequest) (domain.Wager, error)
	Get(ctx context.Context, id string) (domain.Wager, error)
	List(ctx context.Context, f domain.WagerFilter) (domain.WagerPage, error)
	Update(ctx context.Context, id string, patch domain.WagerPatch) (domain.Wager, error)
	Delete(ctx context.Context, id string) error
	Void(ctx context.Context, id, reason string) (domain.Wager, error)
	GradeOverride(ctx context.Context, id string, req service.GradeRequest) (domain.Wager, error)
}

// WagerHandler serves the wager admin endpoints.
type WagerHandler struct {
	wagers WagerService
	logger *slog.Logger
}

// NewWagerHandler creates a WagerHandler with the given service and logger.
func NewWagerHandler(wagers WagerService, logger *slog.Logger) *WagerHandler {
	return &WagerHandler{
		wagers: wagers,
		logger: logHandler(logger, "wagers"),
	}
}

// ListWagers returns one page of wagers, newest first.
// GET /api/wagers?status=open&limit=50&cursor=...
func (h *WagerHandler) ListWagers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := domain.WagerFilter{Cursor: q.Get("cursor")}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			writeServiceError(w, r, h.logger, err, "failed to list wagers")
			return
		}
		f.Status = st
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list wagers")
		return
	}
	f.Limit = limit

	page, err := h.wagers.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list wagers")
		return
	}
	if page.Wagers == nil {
		page.Wagers = []domain.Wager{}
	}
	writeJSON(w, http.StatusOK, page)
}

// GetWager returns a single wager.
// GET /api/wagers/{id}
func (h *WagerHandler) GetWager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		missing(w, "wager id")
		return
	}
	wager, err := h.wagers.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get wager")
		return
	}
	writeJSON(w, http.StatusOK, wager)
}

// CreateWager validates and stores a new Open wager.
// POST /api/wagers
func (h *WagerHandler) CreateWager(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to create wager")
		return
	}
	wager, err := h.wagers.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to create wager")
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// UpdateWager applies a kind-specific partial update to an Open wager.
// PATCH /api/wagers/{id}
func (h *WagerHandler) UpdateWager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		missing(w, "wager id")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to update wager")
		return
	}

	// The patch shape depends on the stored wager's kind.
	cur, err := h.wagers.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to update wager")
		return
	}
	patch, err := domain.DecodePatch(cur.Kind(), raw)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to update wager")
		return
	}

	wager, err := h.wagers.Update(r.Context(), id, patch)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to update wager")
		return
	}
	writeJSON(w, http.StatusOK, wager)
}

// DeleteWager removes an Open wager.
// DELETE /api/wagers/{id}
func (h *WagerHandler) DeleteWager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		missing(w, "wager id")
		return
	}
	if err := h.wagers.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to delete wager")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voidRequest struct {
	Reason string `json:"reason"`
}

// VoidWager cancels an Open or Locked wager.
// POST /api/wagers/{id}/void
func (h *WagerHandler) VoidWager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		missing(w, "wager id")
		return
	}
	var req voidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to void wager")
		return
	}
	wager, err := h.wagers.Void(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to void wager")
		return
	}
	h.logger.InfoContext(r.Context(), "wager voided by operator",
		slog.String("wager_id", id),
		slog.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusOK, wager)
}

// GradeWager records an operator-supplied outcome for a Locked wager.
// POST /api/wagers/{id}/grade
func (h *WagerHandler) GradeWager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		missing(w, "wager id")
		return
	}
	var req service.GradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to grade wager")
		return
	}
	wager, err := h.wagers.GradeOverride(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to grade wager")
		return
	}
	h.logger.InfoContext(r.Context(), "wager graded by operator",
		slog.String("wager_id", id),
		slog.String("outcome", req.Outcome),
	)
	writeJSON(w, http.StatusOK, wager)
}
