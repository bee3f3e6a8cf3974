package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	// maxTxRetries bounds optimistic-transaction retries when a watched key
	// changes underneath us.
	maxTxRetries = 3
)

// WagerStore implements domain.WagerStore on Redis hashes and sorted sets.
// Every multi-key write runs in MULTI/EXEC; status changes additionally WATCH
// the record so they behave as compare-and-set.
//
// Key schema:
//
//	wager:{id}                 - hash with field "data" containing JSON
//	wagers:all                 - zset of every id, scored by createdAt (ms)
//	wagers:status:{status}     - zset of ids currently in status
//	wagers:date:{YYYY-MM-DD}   - zset of ids with that target date
type WagerStore struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

// NewWagerStore creates a WagerStore backed by the given Client.
func NewWagerStore(c *Client, clock clockwork.Clock) *WagerStore {
	return &WagerStore{rdb: c.Underlying(), clock: clock}
}

const allKey = "wagers:all"

func wagerKey(id string) string { return "wager:" + id }
func statusKey(s domain.WagerStatus) string { return "wagers:status:" + string(s) }
func dateKey(d domain.Date) string { return "wagers:date:" + string(d) }
func score(w domain.Wager) float64 { return float64(w.CreatedAt.UnixMilli()) }
func member(w domain.Wager) redis.Z { return redis.Z{Score: score(w), Member: w.ID} }
func idFromKey(key string) string { return strings.TrimPrefix(key, "wager:") }
func dateFromKey(key string) domain.Date { return domain.Date(strings.TrimPrefix(key, "wagers:date:")) }
func statusFromKey(key string) domain.WagerStatus { return domain.WagerStatus(strings.TrimPrefix(key, "wagers:status:")) }

// Create writes the record and its global, status and date index entries in
// one transaction.
func (s *WagerStore) Create(ctx context.Context, w domain.Wager) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("redis: marshal wager %s: %w", w.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, wagerKey(w.ID), "data", data)
	pipe.ZAdd(ctx, allKey, member(w))
	pipe.ZAdd(ctx, statusKey(w.Status), member(w))
	pipe.ZAdd(ctx, dateKey(w.TargetDate), member(w))
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("create wager", w.ID, err)
	}
	return nil
}

// Get retrieves a wager by id. It returns domain.ErrNotFound when absent.
func (s *WagerStore) Get(ctx context.Context, id string) (domain.Wager, error) {
	return s.read(ctx, s.rdb, id)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// read loads a record through the client or a WATCH transaction.
func (s *WagerStore) read(ctx context.Context, c hashGetter, id string) (domain.Wager, error) {
	data, err := c.HGet(ctx, wagerKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Wager{}, fmt.Errorf("redis: get wager %s: %w", id, domain.ErrNotFound)
		}
		return domain.Wager{}, storeErr("get wager", id, err)
	}
	var w domain.Wager
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Wager{}, fmt.Errorf("redis: unmarshal wager %s: %w", id, err)
	}
	return w, nil
}

// List returns a page of wagers newest first. The cursor is the decimal offset
// of the next page.
func (s *WagerStore) List(ctx context.Context, f domain.WagerFilter) (domain.WagerPage, error) {
	key := allKey
	if f.Status != "" {
		if !f.Status.Valid() {
			return domain.WagerPage{}, domain.Invalid("status", "unknown status %q", f.Status)
		}
		key = statusKey(f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := 0
	if f.Cursor != "" {
		n, err := strconv.Atoi(f.Cursor)
		if err != nil || n < 0 {
			return domain.WagerPage{}, domain.Invalid("cursor", "malformed cursor %q", f.Cursor)
		}
		offset = n
	}

	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return domain.WagerPage{}, storeErr("count wagers", key, err)
	}
	ids, err := s.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return domain.WagerPage{}, storeErr("list wagers", key, err)
	}
	wagers, err := s.loadMany(ctx, ids)
	if err != nil {
		return domain.WagerPage{}, err
	}

	page := domain.WagerPage{Wagers: wagers, Total: total}
	if next := offset + len(ids); int64(next) < total {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

// ListByStatus returns every wager currently indexed under status.
func (s *WagerStore) ListByStatus(ctx context.Context, status domain.WagerStatus) ([]domain.Wager, error) {
	return s.listIndex(ctx, statusKey(status))
}

// ListByDate returns every wager indexed under target date d.
func (s *WagerStore) ListByDate(ctx context.Context, d domain.Date) ([]domain.Wager, error) {
	return s.listIndex(ctx, dateKey(d))
}

func (s *WagerStore) listIndex(ctx context.Context, key string) ([]domain.Wager, error) {
	ids, err := s.rdb.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storeErr("list index", key, err)
	}
	return s.loadMany(ctx, ids)
}

// loadMany fetches records in one pipeline. Ids whose record is missing are
// skipped; the reconciler removes them from the index.
func (s *WagerStore) loadMany(ctx context.Context, ids []string) ([]domain.Wager, error) {
	if len(ids) == 0 {
		return []domain.Wager{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, wagerKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("load wagers", strconv.Itoa(len(ids)), err)
	}

	out := make([]domain.Wager, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeErr("load wager", ids[i], err)
		}
		var w domain.Wager
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("redis: unmarshal wager %s: %w", ids[i], err)
		}
		out = append(out, w)
	}
	return out, nil
}

// Update applies mutate to an Open wager under WATCH. mutate may be called
// more than once if the record changes concurrently.
func (s *WagerStore) Update(ctx context.Context, id string, mutate func(*domain.Wager) error) (domain.Wager, error) {
	key := wagerKey(id)
	var out domain.Wager

	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusOpen {
			return fmt.Errorf("redis: update wager %s: status %s: %w", id, cur.Status, domain.ErrInvalidState)
		}

		next := cur
		if err := mutate(&next); err != nil {
			return callerErr{err}
		}
		switch {
		case next.ID != cur.ID:
			return domain.Invalid("id", "is immutable")
		case next.Kind() != cur.Kind():
			return domain.Invalid("kind", "is immutable")
		case next.TargetDate != cur.TargetDate:
			return domain.Invalid("targetDate", "is immutable")
		}
		next.Status = cur.Status
		next.CreatedAt = cur.CreatedAt
		next.Settlement = cur.Settlement
		next.UpdatedAt = s.clock.Now().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis: marshal wager %s: %w", id, err)
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "data", data)
			return nil
		}); err != nil {
			return err
		}
		out = next
		return nil
	}

	if err := s.watch(ctx, "update wager", id, txf, key); err != nil {
		return domain.Wager{}, err
	}
	return out, nil
}

// Delete removes an Open wager and every index membership atomically.
func (s *WagerStore) Delete(ctx context.Context, id string) error {
	key := wagerKey(id)
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusOpen {
			return fmt.Errorf("redis: delete wager %s: status %s: %w", id, cur.Status, domain.ErrInvalidState)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.ZRem(ctx, allKey, id)
			p.ZRem(ctx, statusKey(cur.Status), id)
			p.ZRem(ctx, dateKey(cur.TargetDate), id)
			return nil
		})
		return err
	}
	return s.watch(ctx, "delete wager", id, txf, key)
}

// Transition atomically moves a wager from one status to another if and only
// if its current status is from. When the status does not match, it returns
// applied=false and no error, so concurrent or repeated runs are no-ops.
func (s *WagerStore) Transition(ctx context.Context, id string, from, to domain.WagerStatus, st domain.Settlement) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.TransitionError(from, to)
	}

	key := wagerKey(id)
	applied := false
	txf := func(tx *redis.Tx) error {
		applied = false
		cur, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return nil
		}

		now := s.clock.Now().UTC()
		next := cur
		next.Status = to
		next.UpdatedAt = now
		next.Settlement = mergeSettlement(cur.Settlement, st)
		if to.Terminal() {
			next.SettledAt = &now
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis: marshal wager %s: %w", id, err)
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "data", data)
			p.ZRem(ctx, statusKey(from), id)
			p.ZAdd(ctx, statusKey(to), member(next))
			return nil
		}); err != nil {
			return err
		}
		applied = true
		return nil
	}

	if err := s.watch(ctx, "transition wager", id, txf, key); err != nil {
		return false, err
	}
	return applied, nil
}

// mergeSettlement overlays the non-empty fields of st onto cur.
func mergeSettlement(cur, st domain.Settlement) domain.Settlement {
	if st.VoidReason != "" {
		cur.VoidReason = st.VoidReason
	}
	if st.ObservedValue != nil {
		cur.ObservedValue = st.ObservedValue
	}
	if st.ObservedValueA != nil {
		cur.ObservedValueA = st.ObservedValueA
	}
	if st.ObservedValueB != nil {
		cur.ObservedValueB = st.ObservedValueB
	}
	if st.WinningOutcome != "" {
		cur.WinningOutcome = st.WinningOutcome
	}
	if st.SettledAt != nil {
		cur.SettledAt = st.SettledAt
	}
	return cur
}

// watch runs txf under WATCH keys, retrying when a watched key changed before
// EXEC. Domain errors returned by txf pass through unwrapped.
func (s *WagerStore) watch(ctx context.Context, op, id string, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var ce callerErr
		if errors.As(err, &ce) {
			return ce.err
		}
		if isDomainErr(err) {
			return err
		}
		return storeErr(op, id, err)
	}
	return fmt.Errorf("redis: %s %s: too much contention", op, id)
}

func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrStoreUnavailable)
}

// callerErr carries an error from caller-supplied code through Watch
// unchanged.
type callerErr struct{ err error }

func (e callerErr) Error() string { return e.err.Error() }
func (e callerErr) Unwrap() error { return e.err }

// RebuildIndexes repairs secondary indices from the primary records. It adds
// missing memberships, then removes members whose record is gone or no longer
// matches the index. Each repair is a WATCHed transaction on the record so a
// concurrent transition wins.
func (s *WagerStore) RebuildIndexes(ctx context.Context) (domain.IndexRepair, error) {
	var rep domain.IndexRepair

	recordKeys, err := s.scan(ctx, "wager:*")
	if err != nil {
		return rep, err
	}
	for _, key := range recordKeys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		added, err := s.ensureMembership(ctx, idFromKey(key))
		if err != nil {
			return rep, err
		}
		rep.Added += added
	}

	indexKeys := []string{allKey}
	for _, st := range domain.AllStatuses {
		indexKeys = append(indexKeys, statusKey(st))
	}
	dateKeys, err := s.scan(ctx, "wagers:date:*")
	if err != nil {
		return rep, err
	}
	indexKeys = append(indexKeys, dateKeys...)

	for _, idx := range indexKeys {
		ids, err := s.rdb.ZRange(ctx, idx, 0, -1).Result()
		if err != nil {
			return rep, storeErr("scan index", idx, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			removed, err := s.pruneMember(ctx, idx, id)
			if err != nil {
				return rep, err
			}
			if removed {
				rep.Removed++
			}
		}
	}
	return rep, nil
}

func (s *WagerStore) ensureMembership(ctx context.Context, id string) (int, error) {
	added := 0
	txf := func(tx *redis.Tx) error {
		added = 0
		w, err := s.read(ctx, tx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		want := []string{allKey, statusKey(w.Status), dateKey(w.TargetDate)}
		var missing []string
		for _, k := range want {
			if err := tx.ZScore(ctx, k, id).Err(); errors.Is(err, redis.Nil) {
				missing = append(missing, k)
			} else if err != nil {
				return err
			}
		}
		if len(missing) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range missing {
				p.ZAdd(ctx, k, member(w))
			}
			return nil
		})
		if err == nil {
			added = len(missing)
		}
		return err
	}
	if err := s.watch(ctx, "reindex wager", id, txf, wagerKey(id)); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *WagerStore) pruneMember(ctx context.Context, idx, id string) (bool, error) {
	removed := false
	txf := func(tx *redis.Tx) error {
		removed = false
		w, err := s.read(ctx, tx, id)
		stale := false
		switch {
		case errors.Is(err, domain.ErrNotFound):
			stale = true
		case err != nil:
			return err
		case strings.HasPrefix(idx, "wagers:status:"):
			stale = statusFromKey(idx) != w.Status
		case strings.HasPrefix(idx, "wagers:date:"):
			stale = dateFromKey(idx) != w.TargetDate
		}
		if !stale {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, idx, id)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}
	if err := s.watch(ctx, "prune index", id, txf, wagerKey(id)); err != nil {
		return false, err
	}
	return removed, nil
}

func (s *WagerStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan", pattern, err)
	}
	return keys, nil
}

// Compile-time interface check.
var _ domain.WagerStore = (*WagerStore)(nil)
