// Package settlement runs the scheduled lock, grade and void passes over
// wagers, plus the index reconciliation sweep.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/grading"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

// Notification event types sent after a run.
const (
	EventWagerVoided      = "wager_voided"
	EventSettlementErrors = "settlement_errors"
)

const sinkTimeout = 15 * time.Second

// Wagers is the slice of the wager service the orchestrator drives.
type Wagers interface {
	ListByStatus(ctx context.Context, status domain.WagerStatus) ([]domain.Wager, error)
	ListByDate(ctx context.Context, d domain.Date) ([]domain.Wager, error)
	Transition(ctx context.Context, id string, from, to domain.WagerStatus, st domain.Settlement) (bool, error)
}

// ObservationFetcher returns daily aggregates for a wager location.
type ObservationFetcher interface {
	Fetch(ctx context.Context, loc domain.WagerLocation, date domain.Date) (domain.DailyObservation, bool, error)
	DayComplete(loc domain.WagerLocation, date domain.Date) (bool, error)
}

// Notifier forwards operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes a settlement pass.
type Config struct {
	// GradingWindowDays is how many UTC target dates, ending today, the
	// grading sweep looks at.
	GradingWindowDays int
	// VoidAfter is how long past its lock time a wager may stay ungradeable
	// before it is voided.
	VoidAfter time.Duration
	// Workers bounds concurrent wager grading.
	Workers int
	// FetchTimeout bounds each observation fetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns the stock window, timeout and concurrency.
func DefaultConfig() Config {
	return Config{
		GradingWindowDays: 3,
		VoidAfter:         48 * time.Hour,
		Workers:           4,
		FetchTimeout:      30 * time.Second,
	}
}

// Summary reports what one pass changed. Transitions that turned out to be
// no-ops are not listed.
type Summary struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Locked     []string  `json:"locked"`
	Graded     []string  `json:"graded"`
	Voided     []string  `json:"voided"`
	Errors     []string  `json:"errors"`
}

// Orchestrator locks due wagers, grades locked ones and voids those that
// stayed ungradeable too long. Every change is a compare-and-set, so
// overlapping runs are safe.
type Orchestrator struct {
	wagers   Wagers
	fetcher  ObservationFetcher
	clock    clockwork.Clock
	cfg      Config
	metrics  *observability.Metrics
	audit    domain.AuditStore
	archive  *RunArchive
	notifier Notifier
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(
	wagers Wagers,
	fetcher ObservationFetcher,
	clock clockwork.Clock,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.GradingWindowDays < 1 {
		cfg.GradingWindowDays = def.GradingWindowDays
	}
	if cfg.VoidAfter <= 0 {
		cfg.VoidAfter = def.VoidAfter
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Orchestrator{
		wagers:  wagers,
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "settlement")),
	}
}

// WithAudit records each run summary in the audit log.
func (o *Orchestrator) WithAudit(a domain.AuditStore) *Orchestrator {
	o.audit = a
	return o
}

// WithArchive uploads each run summary to object storage.
func (o *Orchestrator) WithArchive(a *RunArchive) *Orchestrator {
	o.archive = a
	return o
}

// WithNotifier sends alerts for voided wagers and per-wager errors.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// run collects the results of one pass. Safe for concurrent use.
type run struct {
	mu  sync.Mutex
	sum Summary
}

func (r *run) add(list *[]string, id string) {
	r.mu.Lock()
	*list = append(*list, id)
	r.mu.Unlock()
}

func (r *run) fail(id string, err error) {
	r.mu.Lock()
	r.sum.Errors = append(r.sum.Errors, fmt.Sprintf("%s: %v", id, err))
	r.mu.Unlock()
}

// record files the outcome of a transition. A store outage is returned
// rather than recorded; a cancelled transition is dropped.
func (r *run) record(list *[]string, id string, applied bool, err error) error {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fmt.Errorf("settlement: transition wager %s: %w", id, err)
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		r.fail(id, err)
	case applied:
		r.add(list, id)
	}
	return nil
}

// Run performs one lock, grade and void pass. Failures of a single wager are
// recorded in the summary. It returns an error when wagers cannot be listed,
// when the wager store is unreachable, or when ctx is cancelled; the summary
// is populated with whatever was done before that point.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	now := o.clock.Now().UTC()
	r := &run{sum: Summary{
		RunID:     uuid.NewString(),
		StartedAt: now,
		Locked:    []string{},
		Graded:    []string{},
		Voided:    []string{},
		Errors:    []string{},
	}}

	err := o.lockSweep(ctx, r, now)
	if err == nil {
		err = o.gradeSweep(ctx, r, now)
	}

	sum := r.sum
	sum.FinishedAt = o.clock.Now().UTC()
	sort.Strings(sum.Locked)
	sort.Strings(sum.Graded)
	sort.Strings(sum.Voided)

	o.finish(ctx, sum, err)
	return sum, err
}

func (o *Orchestrator) lockSweep(ctx context.Context, r *run, now time.Time) error {
	open, err := o.wagers.ListByStatus(ctx, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("settlement: list open wagers: %w", err)
	}
	for _, w := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.LockDue(now) {
			continue
		}
		applied, err := o.wagers.Transition(ctx, w.ID, domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return fmt.Errorf("settlement: lock wager %s: %w", w.ID, err)
			}
			r.fail(w.ID, err)
			continue
		}
		if applied {
			r.add(&r.sum.Locked, w.ID)
		}
	}
	return nil
}

func (o *Orchestrator) gradeSweep(ctx context.Context, r *run, now time.Time) error {
	var locked []domain.Wager
	today := domain.DateOf(now)
	for i := o.cfg.GradingWindowDays - 1; i >= 0; i-- {
		d := today.AddDays(-i)
		ws, err := o.wagers.ListByDate(ctx, d)
		if err != nil {
			return fmt.Errorf("settlement: list wagers for %s: %w", d, err)
		}
		for _, w := range ws {
			if w.Status == domain.StatusLocked {
				locked = append(locked, w)
			}
		}
	}

	// The first store outage cancels the remaining workers.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, w := range locked {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return o.settle(gctx, r, w, now)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// settle grades w, or voids it if it has been ungradeable for too long. Only
// an unreachable wager store is returned; other failures go to the summary.
func (o *Orchestrator) settle(ctx context.Context, r *run, w domain.Wager, now time.Time) error {
	ready, err := o.dayComplete(w)
	if err != nil {
		r.fail(w.ID, err)
		return nil
	}
	if !ready {
		o.logger.DebugContext(ctx, "target day not over yet",
			slog.String("wager_id", w.ID),
			slog.String("target_date", w.TargetDate.String()),
		)
		return nil
	}

	st, err := o.grade(ctx, w)
	if err == nil {
		applied, err := o.wagers.Transition(ctx, w.ID, domain.StatusLocked, domain.StatusGraded, st)
		return r.record(&r.sum.Graded, w.ID, applied, err)
	}
	if ctx.Err() != nil {
		// Cancelled by the caller or by another worker's store failure.
		return nil
	}

	r.fail(w.ID, err)
	o.logger.WarnContext(ctx, "wager not gradeable",
		slog.String("wager_id", w.ID),
		slog.String("error", err.Error()),
	)
	if now.Sub(w.LockTime) <= o.cfg.VoidAfter {
		return nil
	}

	applied, err := o.wagers.Transition(ctx, w.ID, domain.StatusLocked, domain.StatusVoid,
		domain.Settlement{VoidReason: VoidReason(o.cfg.VoidAfter)})
	return r.record(&r.sum.Voided, w.ID, applied, err)
}

func (o *Orchestrator) dayComplete(w domain.Wager) (bool, error) {
	for _, loc := range w.Terms.Locations() {
		done, err := o.fetcher.DayComplete(loc, w.TargetDate)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

// grade fetches the observations w needs and computes its settlement.
func (o *Orchestrator) grade(ctx context.Context, w domain.Wager) (domain.Settlement, error) {
	locs := w.Terms.Locations()
	values := make([]float64, len(locs))

	if len(locs) == 1 {
		v, err := o.observe(ctx, w, locs[0])
		if err != nil {
			return domain.Settlement{}, err
		}
		values[0] = v
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, loc := range locs {
			g.Go(func() error {
				v, err := o.observe(gctx, w, loc)
				values[i] = v
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return domain.Settlement{}, err
		}
	}

	outcome, err := grading.Grade(w.Terms, values...)
	if err != nil {
		return domain.Settlement{}, err
	}
	st := domain.Settlement{WinningOutcome: outcome}
	if len(values) == 1 {
		st.ObservedValue = &values[0]
	} else {
		st.ObservedValueA = &values[0]
		st.ObservedValueB = &values[1]
	}
	return st, nil
}

// observe returns w's metric at loc. A timeout, missing data or a missing
// metric all come back as ErrObservationUnavailable.
func (o *Orchestrator) observe(ctx context.Context, w domain.Wager, loc domain.WagerLocation) (float64, error) {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	obs, ok, err := o.fetcher.Fetch(fctx, loc, w.TargetDate)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: %s timed out", domain.ErrObservationUnavailable, loc.StationID)
		}
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", domain.ErrObservationUnavailable, loc.StationID, w.TargetDate)
	}
	v, ok := obs.Value(w.Metric)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no %s reading on %s", domain.ErrObservationUnavailable, loc.StationID, w.Metric, w.TargetDate)
	}
	return v, nil
}

// VoidReason is the reason recorded on wagers voided after d without data.
func VoidReason(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("insufficient observation data after %dh", int(d/time.Hour))
	}
	return fmt.Sprintf("insufficient observation data after %s", d)
}

// finish feeds the summary to metrics, audit log, archive and notifier.
// None of these can fail the run.
func (o *Orchestrator) finish(ctx context.Context, sum Summary, runErr error) {
	result := "ok"
	if runErr != nil {
		result = "error"
	}
	if o.metrics != nil {
		o.metrics.SettlementRuns.WithLabelValues(result).Inc()
		o.metrics.SettlementRunDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
		o.metrics.WagerErrors.Add(float64(len(sum.Errors)))
	}

	attrs := []any{
		slog.String("run_id", sum.RunID),
		slog.Int("locked", len(sum.Locked)),
		slog.Int("graded", len(sum.Graded)),
		slog.Int("voided", len(sum.Voided)),
		slog.Int("errors", len(sum.Errors)),
		slog.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	}
	if runErr != nil {
		o.logger.ErrorContext(ctx, "settlement run failed", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		o.logger.InfoContext(ctx, "settlement run complete", attrs...)
	}

	// Sinks still run when the pass was cancelled.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if o.audit != nil {
		detail := map[string]any{
			"run_id": sum.RunID,
			"result": result,
			"locked": sum.Locked,
			"graded": sum.Graded,
			"voided": sum.Voided,
			"errors": sum.Errors,
		}
		if err := o.audit.Log(sctx, "settlement_run", detail); err != nil {
			o.logger.WarnContext(ctx, "audit run summary failed", slog.String("error", err.Error()))
		}
	}

	if o.archive != nil {
		if path, err := o.archive.Store(sctx, sum); err != nil {
			o.logger.WarnContext(ctx, "archive run summary failed", slog.String("error", err.Error()))
		} else {
			o.logger.DebugContext(ctx, "run summary archived", slog.String("path", path))
		}
	}

	if o.notifier != nil {
		if len(sum.Voided) > 0 {
			msg := fmt.Sprintf("%d wager(s) voided: %s", len(sum.Voided), strings.Join(sum.Voided, ", "))
			o.notify(sctx, EventWagerVoided, "Wagers voided", msg)
		}
		if len(sum.Errors) > 0 {
			o.notify(sctx, EventSettlementErrors, "Settlement errors", strings.Join(sum.Errors, "\n"))
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, event, title, msg string) {
	if err := o.notifier.Notify(ctx, event, title, msg); err != nil {
		o.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
