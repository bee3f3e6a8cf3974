package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for audit queries.
type ListOpts struct {
	Limit   int
	Offset  int
	Since   *time.Time
	Until   *time.Time
	Event   string
	WagerID string
}

// WagerFilter selects a page of wagers, newest first. Cursor is the opaque
// value returned as WagerPage.NextCursor; empty starts from the newest.
type WagerFilter struct {
	Status WagerStatus
	Limit  int
	Cursor string
}

// WagerPage is one page of a wager listing.
type WagerPage struct {
	Wagers     []Wager `json:"items"`
	Total      int64   `json:"total"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// IndexRepair counts the fixes made by a secondary-index rebuild.
type IndexRepair struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// WagerStore persists wagers and their status and date indices.
type WagerStore interface {
	// Create writes a new wager and every index membership atomically.
	Create(ctx context.Context, w Wager) error
	Get(ctx context.Context, id string) (Wager, error)
	List(ctx context.Context, f WagerFilter) (WagerPage, error)
	ListByStatus(ctx context.Context, status WagerStatus) ([]Wager, error)
	ListByDate(ctx context.Context, date Date) ([]Wager, error)
	// Update applies mutate to the stored wager while it is Open. Kind and
	// target date must not change.
	Update(ctx context.Context, id string, mutate func(*Wager) error) (Wager, error)
	// Delete removes an Open wager and its index memberships.
	Delete(ctx context.Context, id string) error
	// Transition moves a wager from one status to another only if its current
	// status equals from. applied is false when the status did not match.
	Transition(ctx context.Context, id string, from, to WagerStatus, s Settlement) (applied bool, err error)
	// RebuildIndexes repairs index memberships from the primary records.
	RebuildIndexes(ctx context.Context) (IndexRepair, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	WagerID   string         `json:"wagerId,omitempty"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// StationResolver maps a coordinate to its observing station.
type StationResolver interface {
	Resolve(ctx context.Context, lat, lon float64) (Station, error)
}

// ObservationSource returns raw station readings in [start, end).
type ObservationSource interface {
	Observations(ctx context.Context, stationID string, start, end time.Time) ([]RawReading, error)
}
