package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/grading"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

// DefaultResolveTimeout bounds a single station lookup.
const DefaultResolveTimeout = 15 * time.Second

// CreateRequest is the JSON body accepted for a new wager. Terms are decoded
// according to Kind.
type CreateRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Kind        domain.Kind     `json:"kind"`
	Metric      domain.Metric   `json:"metric"`
	TargetDate  string          `json:"targetDate"`
	LockTime    time.Time       `json:"lockTime"`
	Terms       json.RawMessage `json:"terms"`
}

// GradeRequest is a manual grading of a Locked wager.
type GradeRequest struct {
	Outcome        string   `json:"outcome"`
	ObservedValue  *float64 `json:"observedValue,omitempty"`
	ObservedValueA *float64 `json:"observedValueA,omitempty"`
	ObservedValueB *float64 `json:"observedValueB,omitempty"`
}

// WagerService owns the wager lifecycle on top of a WagerStore: input
// validation, station resolution, status transitions and event fan-out.
type WagerService struct {
	store          domain.WagerStore
	resolver       domain.StationResolver
	bus            domain.SignalBus
	audit          domain.AuditStore
	clock          clockwork.Clock
	metrics        *observability.Metrics
	resolveTimeout time.Duration
	logger         *slog.Logger
}

// NewWagerService creates a WagerService. bus, audit and metrics may be nil.
func NewWagerService(
	store domain.WagerStore,
	resolver domain.StationResolver,
	bus domain.SignalBus,
	audit domain.AuditStore,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *WagerService {
	return &WagerService{
		store:          store,
		resolver:       resolver,
		bus:            bus,
		audit:          audit,
		clock:          clock,
		metrics:        metrics,
		resolveTimeout: DefaultResolveTimeout,
		logger:         logger.With(slog.String("component", "wager_service")),
	}
}

// WithResolveTimeout overrides the per-lookup station resolution timeout.
func (s *WagerService) WithResolveTimeout(d time.Duration) *WagerService {
	if d > 0 {
		s.resolveTimeout = d
	}
	return s
}

// Create validates req, resolves every location to a station and persists a
// new Open wager.
func (s *WagerService) Create(ctx context.Context, req CreateRequest) (domain.Wager, error) {
	date, err := domain.ParseDate(req.TargetDate)
	if err != nil {
		return domain.Wager{}, err
	}
	if req.Kind == "" {
		return domain.Wager{}, domain.Invalid("kind", "is required")
	}
	terms, err := domain.DecodeTerms(req.Kind, req.Terms)
	if err != nil {
		return domain.Wager{}, err
	}

	now := s.clock.Now().UTC()
	w := domain.Wager{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      domain.StatusOpen,
		Metric:      req.Metric,
		TargetDate:  date,
		LockTime:    req.LockTime.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Terms:       terms,
	}
	if err := validateWager(w); err != nil {
		return domain.Wager{}, err
	}

	// Station metadata is never taken from the client.
	w.Terms, err = s.resolveTerms(ctx, stripStations(w.Terms), nil)
	if err != nil {
		return domain.Wager{}, err
	}

	if err := s.store.Create(ctx, w); err != nil {
		return domain.Wager{}, fmt.Errorf("wager_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "wager created",
		slog.String("wager_id", w.ID),
		slog.String("kind", string(w.Kind())),
		slog.String("target_date", w.TargetDate.String()),
	)
	s.emit(ctx, domain.WagerEvent{Type: domain.EventCreated, WagerID: w.ID, To: w.Status})
	return w, nil
}

// Get returns a wager by id.
func (s *WagerService) Get(ctx context.Context, id string) (domain.Wager, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager_service: get %s: %w", id, err)
	}
	return w, nil
}

// List returns a newest-first page of wagers.
func (s *WagerService) List(ctx context.Context, f domain.WagerFilter) (domain.WagerPage, error) {
	page, err := s.store.List(ctx, f)
	if err != nil {
		return domain.WagerPage{}, fmt.Errorf("wager_service: list: %w", err)
	}
	return page, nil
}

// ListByStatus returns every wager currently in status.
func (s *WagerService) ListByStatus(ctx context.Context, status domain.WagerStatus) ([]domain.Wager, error) {
	ws, err := s.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("wager_service: list by status %s: %w", status, err)
	}
	return ws, nil
}

// ListByDate returns every wager whose target date is d.
func (s *WagerService) ListByDate(ctx context.Context, d domain.Date) ([]domain.Wager, error) {
	ws, err := s.store.ListByDate(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("wager_service: list by date %s: %w", d, err)
	}
	return ws, nil
}

// Update applies patch to an Open wager. Locations whose coordinates changed
// are resolved again.
func (s *WagerService) Update(ctx context.Context, id string, patch domain.WagerPatch) (domain.Wager, error) {
	// The store may call mutate more than once under contention; remember
	// lookups so a retry does not hit the resolver again.
	resolved := map[[2]float64]domain.Station{}

	w, err := s.store.Update(ctx, id, func(w *domain.Wager) error {
		if err := domain.ApplyPatch(w, patch); err != nil {
			return err
		}
		w.Title = strings.TrimSpace(w.Title)
		w.LockTime = w.LockTime.UTC()
		if err := validateWager(*w); err != nil {
			return err
		}
		terms, err := s.resolveTerms(ctx, w.Terms, resolved)
		if err != nil {
			return err
		}
		w.Terms = terms
		return nil
	})
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager_service: update %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "wager updated", slog.String("wager_id", id))
	s.emit(ctx, domain.WagerEvent{Type: domain.EventUpdated, WagerID: id, To: w.Status})
	return w, nil
}

// Delete removes an Open wager.
func (s *WagerService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("wager_service: delete %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "wager deleted", slog.String("wager_id", id))
	s.emit(ctx, domain.WagerEvent{Type: domain.EventDeleted, WagerID: id})
	s.auditLog(ctx, domain.EventDeleted, map[string]any{"wager_id": id})
	return nil
}

// Transition moves a wager from one status to another as a compare-and-set.
// applied is false when the wager was no longer in from.
func (s *WagerService) Transition(ctx context.Context, id string, from, to domain.WagerStatus, st domain.Settlement) (bool, error) {
	applied, err := s.store.Transition(ctx, id, from, to, st)
	if err != nil {
		return false, fmt.Errorf("wager_service: transition %s %s->%s: %w", id, from, to, err)
	}
	if !applied {
		return false, nil
	}

	if s.metrics != nil {
		s.metrics.WagersTransitioned.WithLabelValues(string(to)).Inc()
	}
	s.logger.InfoContext(ctx, "wager transitioned",
		slog.String("wager_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.emit(ctx, domain.WagerEvent{
		Type:    domain.EventTransition,
		WagerID: id,
		From:    from,
		To:      to,
		Outcome: st.WinningOutcome,
		Reason:  st.VoidReason,
	})

	detail := map[string]any{"wager_id": id, "from": string(from), "to": string(to)}
	if st.WinningOutcome != "" {
		detail["outcome"] = st.WinningOutcome
	}
	if st.VoidReason != "" {
		detail["reason"] = st.VoidReason
	}
	s.auditLog(ctx, domain.EventTransition, detail)
	return true, nil
}

// Void cancels an Open or Locked wager with reason.
func (s *WagerService) Void(ctx context.Context, id, reason string) (domain.Wager, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Wager{}, domain.Invalid("reason", "is required")
	}
	w, err := s.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	if w.Status != domain.StatusOpen && w.Status != domain.StatusLocked {
		return domain.Wager{}, fmt.Errorf("wager_service: void %s: status %s: %w", id, w.Status, domain.ErrInvalidState)
	}
	return s.transitionAndReload(ctx, w, domain.StatusVoid, domain.Settlement{VoidReason: reason})
}

// GradeOverride grades a Locked wager with an operator-supplied outcome, which
// must be one grading could have produced for the wager's terms.
func (s *WagerService) GradeOverride(ctx context.Context, id string, req GradeRequest) (domain.Wager, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	if w.Status != domain.StatusLocked {
		return domain.Wager{}, fmt.Errorf("wager_service: grade %s: status %s: %w", id, w.Status, domain.ErrInvalidState)
	}
	if !grading.ValidOutcome(w.Terms, req.Outcome) {
		return domain.Wager{}, domain.Invalid("outcome", "%q is not a possible outcome for a %s wager", req.Outcome, w.Kind())
	}
	st := domain.Settlement{
		WinningOutcome: req.Outcome,
		ObservedValue:  req.ObservedValue,
		ObservedValueA: req.ObservedValueA,
		ObservedValueB: req.ObservedValueB,
	}
	return s.transitionAndReload(ctx, w, domain.StatusGraded, st)
}

func (s *WagerService) transitionAndReload(ctx context.Context, w domain.Wager, to domain.WagerStatus, st domain.Settlement) (domain.Wager, error) {
	applied, err := s.Transition(ctx, w.ID, w.Status, to, st)
	if err != nil {
		return domain.Wager{}, err
	}
	if !applied {
		return domain.Wager{}, fmt.Errorf("wager_service: %s %s: status changed concurrently: %w", to, w.ID, domain.ErrInvalidState)
	}
	return s.Get(ctx, w.ID)
}

// resolveTerms fills station metadata for every unresolved location. seen
// caches lookups by coordinate and may be nil.
func (s *WagerService) resolveTerms(ctx context.Context, t domain.Terms, seen map[[2]float64]domain.Station) (domain.Terms, error) {
	locs := t.Locations()
	changed := false
	for i, loc := range locs {
		if loc.Resolved() {
			continue
		}
		key := [2]float64{loc.Lat, loc.Lon}
		st, ok := seen[key]
		if !ok {
			var err error
			st, err = s.resolve(ctx, loc)
			if err != nil {
				return nil, err
			}
			if seen != nil {
				seen[key] = st
			}
		}
		locs[i].StationID = st.ID
		locs[i].TimeZone = st.TimeZone
		changed = true
	}
	if !changed {
		return t, nil
	}
	return t.WithLocations(locs), nil
}

func stripStations(t domain.Terms) domain.Terms {
	locs := t.Locations()
	for i := range locs {
		locs[i].StationID = ""
		locs[i].TimeZone = ""
	}
	return t.WithLocations(locs)
}

func (s *WagerService) resolve(ctx context.Context, loc domain.WagerLocation) (domain.Station, error) {
	rctx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	st, err := s.resolver.Resolve(rctx, loc.Lat, loc.Lon)
	if err != nil {
		s.logger.WarnContext(ctx, "station resolution failed",
			slog.String("location", loc.Name),
			slog.Float64("lat", loc.Lat),
			slog.Float64("lon", loc.Lon),
			slog.String("error", err.Error()),
		)
		return domain.Station{}, fmt.Errorf("%w: location %q: %w", domain.ErrStationResolution, loc.Name, err)
	}
	if st.ID == "" || st.TimeZone == "" {
		return domain.Station{}, fmt.Errorf("%w: location %q: %w", domain.ErrStationResolution, loc.Name, domain.ErrNoStationFound)
	}
	return st, nil
}

// emit publishes ev on the live channel and appends it to the history
// stream. Failures are logged only.
func (s *WagerService) emit(ctx context.Context, ev domain.WagerEvent) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = s.clock.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal wager event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish wager event failed",
			slog.String("wager_id", ev.WagerID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.EventsStream, payload); err != nil {
		s.logger.WarnContext(ctx, "append wager event failed",
			slog.String("wager_id", ev.WagerID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *WagerService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
