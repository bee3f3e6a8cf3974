package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

// DefaultObservationTTL is how long a daily aggregate stays cached.
const DefaultObservationTTL = 7 * 24 * time.Hour

// ObservationCache implements domain.ObservationCache with JSON string values.
//
// Key schema:
//
//	obs:{stationID}:{YYYY-MM-DD} - JSON DailyObservation, expires after ttl
type ObservationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewObservationCache creates an ObservationCache backed by the given Client.
func NewObservationCache(c *Client, ttl time.Duration) *ObservationCache {
	if ttl <= 0 {
		ttl = DefaultObservationTTL
	}
	return &ObservationCache{rdb: c.Underlying(), ttl: ttl}
}

func observationKey(stationID string, date domain.Date) string {
	return "obs:" + stationID + ":" + string(date)
}

// Get returns the cached aggregate. hit is false on a miss.
func (oc *ObservationCache) Get(ctx context.Context, stationID string, date domain.Date) (domain.DailyObservation, bool, error) {
	data, err := oc.rdb.Get(ctx, observationKey(stationID, date)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DailyObservation{}, false, nil
		}
		return domain.DailyObservation{}, false, storeErr("get observation", stationID, err)
	}

	var obs domain.DailyObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return domain.DailyObservation{}, false, fmt.Errorf("redis: unmarshal observation %s/%s: %w", stationID, date, err)
	}
	return obs, true, nil
}

// Set overwrites the aggregate for (station, date).
func (oc *ObservationCache) Set(ctx context.Context, obs domain.DailyObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("redis: marshal observation %s: %w", obs.StationID, err)
	}
	if err := oc.rdb.Set(ctx, observationKey(obs.StationID, obs.Date), data, oc.ttl).Err(); err != nil {
		return storeErr("set observation", obs.StationID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ObservationCache = (*ObservationCache)(nil)
