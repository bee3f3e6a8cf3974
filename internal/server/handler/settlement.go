package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/settlement"
)

// SettlementRunner runs one orchestrator pass.
type SettlementRunner interface {
	Run(ctx context.Context) (settlement.Summary, error)
}

// IndexReconciler runs one index reconciliation sweep.
type IndexReconciler interface {
	Run(ctx context.Context) (domain.IndexRepair, error)
}

// runIDPattern matches the uuid run ids used in archive keys.
var runIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{36}$`)

// SettlementHandler serves the manual settlement triggers and the archived
// run browser.
type SettlementHandler struct {
	runner SettlementRunner
	recon  IndexReconciler
	runs   domain.BlobReader
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. runs may be nil when run
// archiving is disabled.
func NewSettlementHandler(runner SettlementRunner, recon IndexReconciler, runs domain.BlobReader, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		runner: runner,
		recon:  recon,
		runs:   runs,
		logger: logHandler(logger, "settlement"),
	}
}

// TriggerRun runs one settlement pass synchronously and returns its summary.
// POST /api/settlement/run
func (h *SettlementHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "settlement run triggered")
	sum, err := h.runner.Run(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "settlement run failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// TriggerReconcile runs one index reconciliation and returns the repair counts.
// POST /api/settlement/reconcile
func (h *SettlementHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "reconciliation triggered")
	rep, err := h.recon.Run(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type listRunsResponse struct {
	Runs []domain.BlobInfo `json:"runs"`
}

// ListRuns lists the archived run summaries started on a UTC date.
// GET /api/settlement/runs?date=2025-07-04
func (h *SettlementHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "run archive is disabled")
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		missing(w, "date query parameter")
		return
	}
	prefix, err := settlement.RunPrefix(domain.Date(date))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list runs")
		return
	}
	runs, err := h.runs.List(r.Context(), prefix)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// GetRun streams one archived run summary.
// GET /api/settlement/runs/{date}/{id}
func (h *SettlementHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "run archive is disabled")
		return
	}
	id := pathParam(r, "id")
	if !runIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "malformed run id")
		return
	}
	prefix, err := settlement.RunPrefix(domain.Date(pathParam(r, "date")))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get run")
		return
	}

	body, err := h.runs.Get(r.Context(), prefix+id+".json")
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get run")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "stream run summary",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
	}
}
