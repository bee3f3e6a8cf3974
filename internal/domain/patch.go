package domain

import (
	"encoding/json"
	"time"
)

// LocationPatch replaces a wager location. Station metadata is re-resolved
// when the coordinates change.
type LocationPatch struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// BasePatch holds the optional edits shared by every kind. Kind and target
// date are not editable.
type BasePatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Metric      *Metric    `json:"metric,omitempty"`
	LockTime    *time.Time `json:"lockTime,omitempty"`
}

// WagerPatch is an edit to an Open wager. Implementations are OddsPatch,
// OverUnderPatch and PointspreadPatch.
type WagerPatch interface {
	Kind() Kind
	base() BasePatch
	apply(Terms) Terms
}

// OddsPatch edits an odds wager.
type OddsPatch struct {
	BasePatch
	Location *LocationPatch `json:"location,omitempty"`
	Outcomes []OddsOutcome  `json:"outcomes,omitempty"`
}

func (OddsPatch) Kind() Kind { return KindOdds }
func (p OddsPatch) base() BasePatch { return p.BasePatch }
func (p OddsPatch) apply(t Terms) Terms {
	cur := t.(OddsTerms)
	if p.Location != nil {
		cur.Location = patchLocation(cur.Location, *p.Location)
	}
	if p.Outcomes != nil {
		cur.Outcomes = append([]OddsOutcome(nil), p.Outcomes...)
	}
	return cur
}

// OverUnderPatch edits an over/under wager.
type OverUnderPatch struct {
	BasePatch
	Location  *LocationPatch `json:"location,omitempty"`
	Line      *float64       `json:"line,omitempty"`
	OverOdds  *int           `json:"overOdds,omitempty"`
	UnderOdds *int           `json:"underOdds,omitempty"`
}

func (OverUnderPatch) Kind() Kind { return KindOverUnder }
func (p OverUnderPatch) base() BasePatch { return p.BasePatch }
func (p OverUnderPatch) apply(t Terms) Terms {
	cur := t.(OverUnderTerms)
	if p.Location != nil {
		cur.Location = patchLocation(cur.Location, *p.Location)
	}
	if p.Line != nil {
		cur.Line = *p.Line
	}
	if p.OverOdds != nil {
		cur.OverOdds = *p.OverOdds
	}
	if p.UnderOdds != nil {
		cur.UnderOdds = *p.UnderOdds
	}
	return cur
}

// PointspreadPatch edits a pointspread wager.
type PointspreadPatch struct {
	BasePatch
	LocationA     *LocationPatch `json:"locationA,omitempty"`
	LocationB     *LocationPatch `json:"locationB,omitempty"`
	Spread        *float64       `json:"spread,omitempty"`
	LocationAOdds *int           `json:"locationAOdds,omitempty"`
	LocationBOdds *int           `json:"locationBOdds,omitempty"`
}

func (PointspreadPatch) Kind() Kind { return KindPointspread }
func (p PointspreadPatch) base() BasePatch { return p.BasePatch }
func (p PointspreadPatch) apply(t Terms) Terms {
	cur := t.(PointspreadTerms)
	if p.LocationA != nil {
		cur.LocationA = patchLocation(cur.LocationA, *p.LocationA)
	}
	if p.LocationB != nil {
		cur.LocationB = patchLocation(cur.LocationB, *p.LocationB)
	}
	if p.Spread != nil {
		cur.Spread = *p.Spread
	}
	if p.LocationAOdds != nil {
		cur.LocationAOdds = *p.LocationAOdds
	}
	if p.LocationBOdds != nil {
		cur.LocationBOdds = *p.LocationBOdds
	}
	return cur
}

// patchLocation keeps the resolved station only when the coordinates are
// unchanged.
func patchLocation(cur WagerLocation, p LocationPatch) WagerLocation {
	next := WagerLocation{Name: p.Name, Lat: p.Lat, Lon: p.Lon}
	if cur.SameSpot(next) {
		next.StationID = cur.StationID
		next.TimeZone = cur.TimeZone
	}
	return next
}

// ApplyPatch applies p to w in place. The patch kind must match the wager's
// kind. Locations whose coordinates changed are left unresolved.
func ApplyPatch(w *Wager, p WagerPatch) error {
	if p == nil {
		return Invalid("patch", "required")
	}
	if p.Kind() != w.Kind() {
		return Invalid("kind", "patch kind %q does not match wager kind %q", p.Kind(), w.Kind())
	}
	b := p.base()
	if b.Title != nil {
		w.Title = *b.Title
	}
	if b.Description != nil {
		w.Description = *b.Description
	}
	if b.Metric != nil {
		w.Metric = *b.Metric
	}
	if b.LockTime != nil {
		w.LockTime = *b.LockTime
	}
	w.Terms = p.apply(w.Terms)
	return nil
}

// DecodePatch decodes a JSON patch body for a wager of the given kind,
// rejecting unknown fields.
func DecodePatch(kind Kind, raw json.RawMessage) (WagerPatch, error) {
	switch kind {
	case KindOdds:
		var p OddsPatch
		if err := decodeStrict(raw, &p); err != nil {
			return nil, Invalid("body", "%v", err)
		}
		return p, nil
	case KindOverUnder:
		var p OverUnderPatch
		if err := decodeStrict(raw, &p); err != nil {
			return nil, Invalid("body", "%v", err)
		}
		return p, nil
	case KindPointspread:
		var p PointspreadPatch
		if err := decodeStrict(raw, &p); err != nil {
			return nil, Invalid("body", "%v", err)
		}
		return p, nil
	}
	return nil, Invalid("kind", "unknown kind %q", kind)
}
