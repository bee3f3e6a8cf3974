package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which terms variant a wager carries.
type Kind string

const (
	KindOdds        Kind = "odds"
	KindOverUnder   Kind = "over-under"
	KindPointspread Kind = "pointspread"
)

// Metric is the weather quantity a wager settles on.
type Metric string

const (
	MetricHighTemp  Metric = "high_temp"
	MetricLowTemp   Metric = "low_temp"
	MetricPrecip    Metric = "precip"
	MetricWindSpeed Metric = "wind_speed"
	MetricWindGust  Metric = "wind_gust"
)

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricHighTemp, MetricLowTemp, MetricPrecip, MetricWindSpeed, MetricWindGust:
		return true
	}
	return false
}

// Unit returns the display unit observed values are expressed in.
func (m Metric) Unit() string {
	switch m {
	case MetricHighTemp, MetricLowTemp:
		return "F"
	case MetricPrecip:
		return "in"
	case MetricWindSpeed, MetricWindGust:
		return "mph"
	}
	return ""
}

// Outcome labels produced by grading.
const (
	OutcomeNone      = "none"
	OutcomeOver      = "over"
	OutcomeUnder     = "under"
	OutcomePush      = "push"
	OutcomeLocationA = "locationA"
	OutcomeLocationB = "locationB"
)

// WagerLocation is a place a wager is settled against. StationID and TimeZone
// are filled once by station resolution.
type WagerLocation struct {
	Name      string  `json:"name" validate:"required,max=200"`
	Lat       float64 `json:"lat" validate:"min=-90,max=90"`
	Lon       float64 `json:"lon" validate:"min=-180,max=180"`
	StationID string  `json:"stationId,omitempty"`
	TimeZone  string  `json:"timeZone,omitempty"`
}

// Resolved reports whether the location already carries station metadata.
func (l WagerLocation) Resolved() bool {
	return l.StationID != "" && l.TimeZone != ""
}

// SameSpot reports whether two locations refer to the same coordinates.
func (l WagerLocation) SameSpot(o WagerLocation) bool {
	return l.Lat == o.Lat && l.Lon == o.Lon
}

// OddsOutcome is one bucket of an odds wager.
type OddsOutcome struct {
	Label string  `json:"label" validate:"required,max=64"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Odds  int     `json:"odds" validate:"american_odds"`
}

// Terms is the kind-specific part of a wager. The set of implementations is
// closed: OddsTerms, OverUnderTerms and PointspreadTerms.
type Terms interface {
	Kind() Kind
	// Locations returns the wager's locations in declaration order.
	Locations() []WagerLocation
	// WithLocations returns a copy with locations replaced positionally.
	WithLocations(locs []WagerLocation) Terms
	sealed()
}

// OddsTerms settles on which bucket the observed value falls into.
type OddsTerms struct {
	Location WagerLocation `json:"location"`
	Outcomes []OddsOutcome `json:"outcomes" validate:"min=2,dive"`
}

func (OddsTerms) Kind() Kind { return KindOdds }
func (t OddsTerms) Locations() []WagerLocation { return []WagerLocation{t.Location} }
func (OddsTerms) sealed() {}
func (t OddsTerms) WithLocations(l []WagerLocation) Terms {
	t.Location = l[0]
	t.Outcomes = append([]OddsOutcome(nil), t.Outcomes...)
	return t
}

// OverUnderTerms settles on the observed value against a line.
type OverUnderTerms struct {
	Location  WagerLocation `json:"location"`
	Line      float64       `json:"line"`
	OverOdds  int           `json:"overOdds" validate:"american_odds"`
	UnderOdds int           `json:"underOdds" validate:"american_odds"`
}

func (OverUnderTerms) Kind() Kind { return KindOverUnder }
func (t OverUnderTerms) Locations() []WagerLocation { return []WagerLocation{t.Location} }
func (OverUnderTerms) sealed() {}
func (t OverUnderTerms) WithLocations(l []WagerLocation) Terms {
	t.Location = l[0]
	return t
}

// PointspreadTerms settles on the difference between two locations.
type PointspreadTerms struct {
	LocationA     WagerLocation `json:"locationA"`
	LocationB     WagerLocation `json:"locationB"`
	Spread        float64       `json:"spread"`
	LocationAOdds int           `json:"locationAOdds" validate:"american_odds"`
	LocationBOdds int           `json:"locationBOdds" validate:"american_odds"`
}

func (PointspreadTerms) Kind() Kind { return KindPointspread }
func (t PointspreadTerms) Locations() []WagerLocation {
	return []WagerLocation{t.LocationA, t.LocationB}
}
func (PointspreadTerms) sealed() {}
func (t PointspreadTerms) WithLocations(l []WagerLocation) Terms {
	t.LocationA, t.LocationB = l[0], l[1]
	return t
}

// Settlement holds the fields written when a wager leaves Locked.
type Settlement struct {
	VoidReason     string     `json:"voidReason,omitempty"`
	ObservedValue  *float64   `json:"observedValue,omitempty"`
	ObservedValueA *float64   `json:"observedValueA,omitempty"`
	ObservedValueB *float64   `json:"observedValueB,omitempty"`
	WinningOutcome string     `json:"winningOutcome,omitempty"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

// Wager is a single weather wager.
type Wager struct {
	ID          string
	Title       string
	Description string
	Status      WagerStatus
	Metric      Metric
	TargetDate  Date
	LockTime    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Terms       Terms
	Settlement
}

// Kind returns the wager's terms variant, or "" when no terms are set.
func (w Wager) Kind() Kind {
	if w.Terms == nil {
		return ""
	}
	return w.Terms.Kind()
}

// LockDue reports whether an Open wager's lock time has passed at now.
func (w Wager) LockDue(now time.Time) bool {
	return w.Status == StatusOpen && !w.LockTime.After(now)
}

type wagerJSON struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      WagerStatus     `json:"status"`
	Kind        Kind            `json:"kind"`
	Metric      Metric          `json:"metric"`
	TargetDate  Date            `json:"targetDate"`
	LockTime    time.Time       `json:"lockTime"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Terms       json.RawMessage `json:"terms"`
	Settlement
}

// MarshalJSON encodes the wager with a "kind" discriminator and nested terms.
func (w Wager) MarshalJSON() ([]byte, error) {
	if w.Terms == nil {
		return nil, fmt.Errorf("domain: wager %s has no terms", w.ID)
	}
	terms, err := json.Marshal(w.Terms)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wagerJSON{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Status:      w.Status,
		Kind:        w.Terms.Kind(),
		Metric:      w.Metric,
		TargetDate:  w.TargetDate,
		LockTime:    w.LockTime,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		Terms:       terms,
		Settlement:  w.Settlement,
	})
}

// UnmarshalJSON decodes a wager, dispatching the terms on "kind".
func (w *Wager) UnmarshalJSON(data []byte) error {
	var raw wagerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	terms, err := DecodeTerms(raw.Kind, raw.Terms)
	if err != nil {
		return err
	}
	*w = Wager{
		ID:          raw.ID,
		Title:       raw.Title,
		Description: raw.Description,
		Status:      raw.Status,
		Metric:      raw.Metric,
		TargetDate:  raw.TargetDate,
		LockTime:    raw.LockTime,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		Terms:       terms,
		Settlement:  raw.Settlement,
	}
	return nil
}

// DecodeTerms decodes the terms object for kind, rejecting unknown fields.
func DecodeTerms(kind Kind, raw json.RawMessage) (Terms, error) {
	if len(raw) == 0 {
		return nil, Invalid("terms", "required")
	}
	switch kind {
	case KindOdds:
		var t OddsTerms
		if err := decodeStrict(raw, &t); err != nil {
			return nil, Invalid("terms", "%v", err)
		}
		return t, nil
	case KindOverUnder:
		var t OverUnderTerms
		if err := decodeStrict(raw, &t); err != nil {
			return nil, Invalid("terms", "%v", err)
		}
		return t, nil
	case KindPointspread:
		var t PointspreadTerms
		if err := decodeStrict(raw, &t); err != nil {
			return nil, Invalid("terms", "%v", err)
		}
		return t, nil
	}
	return nil, Invalid("kind", "unknown kind %q", kind)
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
