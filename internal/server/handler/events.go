package handler

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

const (
	defaultEventCount = 100
	maxEventCount     = 1000
)

// streamIDPattern matches Redis stream entry ids ("1720000000000-0") and the
// "0" start sentinel.
var streamIDPattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// EventReader reads the durable wager event history.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves the wager event history and the audit log.
type EventsHandler struct {
	events EventReader
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler. audit may be nil when the audit
// log is disabled.
func NewEventsHandler(events EventReader, audit domain.AuditStore, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		audit:  audit,
		logger: logHandler(logger, "events"),
	}
}

type listEventsResponse struct {
	Events []domain.StreamMessage `json:"events"`
	// Next is the id to pass as after to continue reading.
	Next string `json:"next,omitempty"`
}

// ListEvents returns wager events recorded strictly after the given stream id.
// GET /api/events?after=0&count=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	if !streamIDPattern.MatchString(after) {
		writeServiceError(w, r, h.logger, domain.Invalid("after", "malformed stream id %q", after), "failed to read events")
		return
	}
	count, err := queryInt(r, "count", defaultEventCount)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to read events")
		return
	}
	count = min(count, maxEventCount)

	msgs, err := h.events.StreamRead(r.Context(), domain.EventsStream, after, count)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to read events")
		return
	}
	resp := listEventsResponse{Events: msgs}
	if len(msgs) > 0 {
		resp.Next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?event=&wager_id=&since=&until=&limit=50&offset=0
func (h *EventsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log is disabled")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list audit entries")
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
