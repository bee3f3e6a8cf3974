package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb), mr
}

func newTestStore(t *testing.T) (*WagerStore, *Client, *clockwork.FakeClock) {
	t.Helper()
	c, _ := newTestClient(t)
	clock := clockwork.NewFakeClockAt(t0)
	return NewWagerStore(c, clock), c, clock
}

func testWager(id string, created time.Time, date domain.Date) domain.Wager {
	return domain.Wager{
		ID:         id,
		Title:      "wager " + id,
		Status:     domain.StatusOpen,
		Metric:     domain.MetricHighTemp,
		TargetDate: date,
		LockTime:   created.Add(24 * time.Hour),
		CreatedAt:  created,
		UpdatedAt:  created,
		Terms: domain.OverUnderTerms{
			Location:  domain.WagerLocation{Name: "Denver", Lat: 39.74, Lon: -104.99, StationID: "KDEN", TimeZone: "America/Denver"},
			Line:      61,
			OverOdds:  -110,
			UnderOdds: -110,
		},
	}
}

func members(t *testing.T, c *Client, key string) []string {
	t.Helper()
	ids, err := c.Underlying().ZRange(context.Background(), key, 0, -1).Result()
	require.NoError(t, err)
	return ids
}

func TestCreateWritesRecordAndIndices(t *testing.T) {
	s, c, _ := newTestStore(t)
	ctx := context.Background()
	w := testWager("a", t0, "2025-07-04")
	require.NoError(t, s.Create(ctx, w))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, w.Title, got.Title)
	assert.Equal(t, w.Terms, got.Terms)

	assert.Equal(t, []string{"a"}, members(t, c, "wagers:all"))
	assert.Equal(t, []string{"a"}, members(t, c, "wagers:status:open"))
	assert.Equal(t, []string{"a"}, members(t, c, "wagers:date:2025-07-04"))
}

func TestGetNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, testWager(fmt.Sprintf("w%d", i), t0.Add(time.Duration(i)*time.Minute), "2025-07-04")))
	}

	page, err := s.List(ctx, domain.WagerFilter{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	require.Len(t, page.Wagers, 2)
	assert.Equal(t, "w4", page.Wagers[0].ID)
	assert.Equal(t, "w3", page.Wagers[1].ID)
	assert.Equal(t, "2", page.NextCursor)

	page, err = s.List(ctx, domain.WagerFilter{Limit: 2, Cursor: "4"})
	require.NoError(t, err)
	require.Len(t, page.Wagers, 1)
	assert.Equal(t, "w0", page.Wagers[0].ID)
	assert.Empty(t, page.NextCursor)

	_, err = s.List(ctx, domain.WagerFilter{Cursor: "abc"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListFiltersByStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))
	require.NoError(t, s.Create(ctx, testWager("b", t0.Add(time.Minute), "2025-07-04")))

	applied, err := s.Transition(ctx, "a", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)
	require.True(t, applied)

	page, err := s.List(ctx, domain.WagerFilter{Status: domain.StatusLocked})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, "a", page.Wagers[0].ID)
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	s, c, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))

	applied, err := s.Transition(ctx, "a", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)
	assert.True(t, applied)

	// Same edge again is a no-op, not an error.
	applied, err = s.Transition(ctx, "a", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)
	assert.False(t, applied)

	clock.Advance(time.Hour)
	obs := 63.0
	applied, err = s.Transition(ctx, "a", domain.StatusLocked, domain.StatusGraded, domain.Settlement{ObservedValue: &obs, WinningOutcome: "over"})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGraded, got.Status)
	assert.Equal(t, "over", got.WinningOutcome)
	require.NotNil(t, got.SettledAt)
	assert.True(t, got.SettledAt.Equal(t0.Add(time.Hour)))

	// A graded wager never moves to void.
	applied, err = s.Transition(ctx, "a", domain.StatusLocked, domain.StatusVoid, domain.Settlement{VoidReason: "late"})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Empty(t, members(t, c, "wagers:status:open"))
	assert.Empty(t, members(t, c, "wagers:status:locked"))
	assert.Equal(t, []string{"a"}, members(t, c, "wagers:status:graded"))
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Transition(context.Background(), "a", domain.StatusGraded, domain.StatusOpen, domain.Settlement{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransitionMissingWager(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Transition(context.Background(), "nope", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))
	_, err := s.Transition(ctx, "a", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, "a", domain.StatusLocked, domain.StatusGraded, domain.Settlement{WinningOutcome: "over"})
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestUpdateOnlyWhileOpen(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))

	clock.Advance(time.Minute)
	got, err := s.Update(ctx, "a", func(w *domain.Wager) error {
		w.Title = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))

	_, err = s.Update(ctx, "a", func(w *domain.Wager) error {
		w.TargetDate = "2025-07-05"
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "a", func(*domain.Wager) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = s.Transition(ctx, "a", domain.StatusOpen, domain.StatusLocked, domain.Settlement{})
	require.NoError(t, err)
	_, err = s.Update(ctx, "a", func(w *domain.Wager) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDeleteOnlyWhileOpen(t *testing.T) {
	s, c, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))
	require.NoError(t, s.Create(ctx, testWager("b", t0, "2025-07-04")))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"b"}, members(t, c, "wagers:all"))
	assert.Equal(t, []string{"b"}, members(t, c, "wagers:date:2025-07-04"))

	_, err = s.Transition(ctx, "b", domain.StatusOpen, domain.StatusVoid, domain.Settlement{VoidReason: "cancelled"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, "b"), domain.ErrInvalidState)
	assert.ErrorIs(t, s.Delete(ctx, "a"), domain.ErrNotFound)
}

func TestListByDateAndStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))
	require.NoError(t, s.Create(ctx, testWager("b", t0, "2025-07-05")))

	got, err := s.ListByDate(ctx, "2025-07-05")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListByStatus(ctx, domain.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListByDate(ctx, "2030-01-01")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRebuildIndexesRepairsDrift(t *testing.T) {
	s, c, _ := newTestStore(t)
	ctx := context.Background()
	rdb := c.Underlying()
	require.NoError(t, s.Create(ctx, testWager("a", t0, "2025-07-04")))
	require.NoError(t, s.Create(ctx, testWager("b", t0, "2025-07-04")))

	// Simulate a partial write: a is missing from its status index, b sits in
	// a stale status index, and a dangling id points at nothing.
	require.NoError(t, rdb.ZRem(ctx, "wagers:status:open", "a").Err())
	require.NoError(t, rdb.ZAdd(ctx, "wagers:status:locked", goredis.Z{Score: 1, Member: "b"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, "wagers:all", goredis.Z{Score: 1, Member: "ghost"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, "wagers:date:2025-07-09", goredis.Z{Score: 1, Member: "a"}).Err())

	rep, err := s.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 3, rep.Removed)

	assert.ElementsMatch(t, []string{"a", "b"}, members(t, c, "wagers:all"))
	assert.ElementsMatch(t, []string{"a", "b"}, members(t, c, "wagers:status:open"))
	assert.Empty(t, members(t, c, "wagers:status:locked"))
	assert.Empty(t, members(t, c, "wagers:date:2025-07-09"))

	// A second pass finds nothing to do.
	rep, err = s.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Added)
	assert.Zero(t, rep.Removed)
}

func TestObservationCache(t *testing.T) {
	c, mr := newTestClient(t)
	oc := NewObservationCache(c, time.Hour)
	ctx := context.Background()

	_, hit, err := oc.Get(ctx, "KDEN", "2025-07-04")
	require.NoError(t, err)
	assert.False(t, hit)

	hi := 90.5
	require.NoError(t, oc.Set(ctx, domain.DailyObservation{StationID: "KDEN", Date: "2025-07-04", HighTempF: &hi, ReadingCount: 24}))

	obs, hit, err := oc.Get(ctx, "KDEN", "2025-07-04")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, 24, obs.ReadingCount)
	assert.Equal(t, 90.5, *obs.HighTempF)

	mr.FastForward(2 * time.Hour)
	_, hit, err = oc.Get(ctx, "KDEN", "2025-07-04")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "reconcile", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestSignalBusStream(t *testing.T) {
	c, _ := newTestClient(t)
	sb := NewSignalBus(c)
	ctx := context.Background()

	require.NoError(t, sb.StreamAppend(ctx, "wagers:history", []byte(`{"n":1}`)))
	require.NoError(t, sb.StreamAppend(ctx, "wagers:history", []byte(`{"n":2}`)))

	msgs, err := sb.StreamRead(ctx, "wagers:history", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	sb := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sb.Subscribe(ctx, "wagers:events")
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, "wagers:events", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	clock := clockwork.NewFakeClockAt(t0)
	rl := NewRateLimiter(c, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
