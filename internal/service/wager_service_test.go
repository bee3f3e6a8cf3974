package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/wxwager/internal/cache/redis"
	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeResolver) Resolve(_ context.Context, lat, lon float64) (domain.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return domain.Station{}, r.err
	}
	if lat > 0 {
		return domain.Station{ID: "KDEN", TimeZone: "America/Denver"}, nil
	}
	return domain.Station{ID: "SCEL", TimeZone: "America/Santiago"}, nil
}

type recordingBus struct {
	mu       sync.Mutex
	events   []domain.WagerEvent
	streamed int
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	var ev domain.WagerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	b.streamed++
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

type fixture struct {
	svc      *WagerService
	resolver *fakeResolver
	bus      *recordingBus
	audit    *memAudit
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	f := &fixture{resolver: &fakeResolver{}, bus: &recordingBus{}, audit: &memAudit{}, clock: clock}
	store := rediscache.NewWagerStore(rediscache.NewFromRedis(rdb), clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewWagerService(store, f.resolver, f.bus, f.audit, clock, observability.NewMetricsForTesting(), logger)
	return f
}

func overUnderRequest() CreateRequest {
	return CreateRequest{
		Title:      "  Denver high over 61?  ",
		Kind:       domain.KindOverUnder,
		Metric:     domain.MetricHighTemp,
		TargetDate: "2025-07-04",
		LockTime:   t0.Add(48 * time.Hour),
		Terms:      json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99},"line":61,"overOdds":-110,"underOdds":-110}`),
	}
}

func TestCreateResolvesStationsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "Denver high over 61?", w.Title)
	assert.Equal(t, domain.StatusOpen, w.Status)
	assert.True(t, w.CreatedAt.Equal(t0))

	loc := w.Terms.Locations()[0]
	assert.Equal(t, "KDEN", loc.StationID)
	assert.Equal(t, "America/Denver", loc.TimeZone)

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Terms, got.Terms)
	assert.Equal(t, []string{domain.EventCreated}, f.bus.types())
	assert.Equal(t, 1, f.bus.streamed)
}

func TestCreateIgnoresClientStationMetadata(t *testing.T) {
	f := newFixture(t)
	req := overUnderRequest()
	req.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99,"stationId":"FAKE","timeZone":"UTC"},"line":61,"overOdds":-110,"underOdds":-110}`)

	w, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "KDEN", w.Terms.Locations()[0].StationID)
	assert.Equal(t, 1, f.resolver.calls)
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*CreateRequest)
		field string
	}{
		{"blank title", func(r *CreateRequest) { r.Title = "   " }, "title"},
		{"bad metric", func(r *CreateRequest) { r.Metric = "humidity" }, "metric"},
		{"bad date", func(r *CreateRequest) { r.TargetDate = "07/04/2025" }, "targetDate"},
		{"missing lock time", func(r *CreateRequest) { r.LockTime = time.Time{} }, "lockTime"},
		{"missing kind", func(r *CreateRequest) { r.Kind = "" }, "kind"},
		{"unknown kind", func(r *CreateRequest) { r.Kind = "parlay" }, "kind"},
		{"odds too small", func(r *CreateRequest) {
			r.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99},"line":61,"overOdds":50,"underOdds":-110}`)
		}, "terms.overOdds"},
		{"latitude out of range", func(r *CreateRequest) {
			r.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":91,"lon":-104.99},"line":61,"overOdds":-110,"underOdds":-110}`)
		}, "terms.location.lat"},
		{"unknown terms field", func(r *CreateRequest) {
			r.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99},"line":61,"overOdds":-110,"underOdds":-110,"juice":5}`)
		}, "terms"},
		{"one bucket", func(r *CreateRequest) {
			r.Kind = domain.KindOdds
			r.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99},"outcomes":[{"label":"hot","min":90,"max":200,"odds":150}]}`)
		}, "terms.outcomes"},
		{"inverted bucket", func(r *CreateRequest) {
			r.Kind = domain.KindOdds
			r.Terms = json.RawMessage(`{"location":{"name":"Denver","lat":39.74,"lon":-104.99},"outcomes":[{"label":"a","min":0,"max":50,"odds":150},{"label":"b","min":90,"max":60,"odds":150}]}`)
		}, "terms.outcomes[1].min"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := overUnderRequest()
			tc.edit(&req)

			_, err := f.svc.Create(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Zero(t, f.resolver.calls, "resolver must not be called for invalid input")
		})
	}
}

func TestCreateStationResolutionFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = domain.ErrNoStationFound

	_, err := f.svc.Create(context.Background(), overUnderRequest())
	assert.ErrorIs(t, err, domain.ErrStationResolution)
	assert.ErrorIs(t, err, domain.ErrNoStationFound)

	page, err := f.svc.List(context.Background(), domain.WagerFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestCreatePointspreadResolvesBothLocations(t *testing.T) {
	f := newFixture(t)
	req := overUnderRequest()
	req.Kind = domain.KindPointspread
	req.Terms = json.RawMessage(`{"locationA":{"name":"Denver","lat":39.74,"lon":-104.99},"locationB":{"name":"Santiago","lat":-33.45,"lon":-70.67},"spread":2.5,"locationAOdds":-110,"locationBOdds":-110}`)

	w, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	locs := w.Terms.Locations()
	assert.Equal(t, "KDEN", locs[0].StationID)
	assert.Equal(t, "SCEL", locs[1].StationID)
	assert.Equal(t, 2, f.resolver.calls)
}

func TestUpdateReResolvesMovedLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	line := 65.0
	got, err := f.svc.Update(ctx, w.ID, domain.OverUnderPatch{Line: &line})
	require.NoError(t, err)
	assert.Equal(t, 65.0, got.Terms.(domain.OverUnderTerms).Line)
	assert.Equal(t, 1, f.resolver.calls, "unchanged location is not resolved again")

	got, err = f.svc.Update(ctx, w.ID, domain.OverUnderPatch{
		Location: &domain.LocationPatch{Name: "Santiago", Lat: -33.45, Lon: -70.67},
	})
	require.NoError(t, err)
	assert.Equal(t, "SCEL", got.Terms.Locations()[0].StationID)
	assert.Equal(t, 2, f.resolver.calls)
}

func TestUpdateRejectsWrongKindAndInvalidValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, w.ID, domain.OddsPatch{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := 99
	_, err = f.svc.Update(ctx, w.ID, domain.OverUnderPatch{OverOdds: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, -110, got.Terms.(domain.OverUnderTerms).OverOdds)
}

func TestUpdateAndDeleteRequireOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	applied, err := f.svc.Transition(ctx, w.ID, domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)
	require.True(t, applied)

	title := "new"
	_, err = f.svc.Update(ctx, w.ID, domain.OverUnderPatch{BasePatch: domain.BasePatch{Title: &title}})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, f.svc.Delete(ctx, w.ID), domain.ErrInvalidState)
}

func TestDeleteEmitsEventAndAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, w.ID))
	_, err = f.svc.Get(ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{domain.EventCreated, domain.EventDeleted}, f.bus.types())
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, domain.EventDeleted, f.audit.entries[0].Event)
}

func TestTransitionNoOpEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	applied, err := f.svc.Transition(ctx, w.ID, domain.StatusLocked, domain.StatusGraded, domain.Settlement{WinningOutcome: "over"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{domain.EventCreated}, f.bus.types())
	assert.Empty(t, f.audit.entries)
}

func TestVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	_, err = f.svc.Void(ctx, w.ID, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := f.svc.Void(ctx, w.ID, "event cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoid, got.Status)
	assert.Equal(t, "event cancelled", got.VoidReason)
	require.NotNil(t, got.SettledAt)

	_, err = f.svc.Void(ctx, w.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "void", f.audit.entries[0].Detail["to"])
}

func TestGradeOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.Create(ctx, overUnderRequest())
	require.NoError(t, err)

	_, err = f.svc.GradeOverride(ctx, w.ID, GradeRequest{Outcome: "over"})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "open wagers cannot be graded")

	_, err = f.svc.Transition(ctx, w.ID, domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)

	_, err = f.svc.GradeOverride(ctx, w.ID, GradeRequest{Outcome: "locationA"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	obs := 64.0
	got, err := f.svc.GradeOverride(ctx, w.ID, GradeRequest{Outcome: "over", ObservedValue: &obs})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGraded, got.Status)
	assert.Equal(t, "over", got.WinningOutcome)
	assert.Equal(t, 64.0, *got.ObservedValue)
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
