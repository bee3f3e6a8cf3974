package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ObservationCache stores daily aggregates keyed by (station, date).
type ObservationCache interface {
	Get(ctx context.Context, stationID string, date Date) (DailyObservation, bool, error)
	Set(ctx context.Context, obs DailyObservation) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// SignalBus provides pub/sub for live wager events and a durable stream of the
// same events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// WagerEvent is published on EventsChannel whenever a wager changes.
type WagerEvent struct {
	Type      string      `json:"type"`
	WagerID   string      `json:"wagerId"`
	From      WagerStatus `json:"from,omitempty"`
	To        WagerStatus `json:"to,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventsChannel is the pub/sub channel carrying WagerEvent payloads;
// EventsStream is the durable stream of the same payloads.
const (
	EventsChannel = "wagers:events"
	EventsStream  = "wagers:history"
)

// Wager event types.
const (
	EventCreated    = "wager_created"
	EventUpdated    = "wager_updated"
	EventDeleted    = "wager_deleted"
	EventTransition = "wager_transition"
)
