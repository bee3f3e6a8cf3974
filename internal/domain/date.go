package domain

import (
	"time"
	_ "time/tzdata" // station timezones must load on minimal images
)

// DateLayout is the wire format of a calendar date.
const DateLayout = "2006-01-02"

// Date is a calendar date with no time-of-day or zone, e.g. "2025-07-04".
type Date string

// ParseDate validates s as a calendar date.
func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", Invalid("targetDate", "must be a YYYY-MM-DD calendar date")
	}
	return Date(s), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Valid reports whether d parses as a calendar date.
func (d Date) Valid() bool {
	_, err := time.Parse(DateLayout, string(d))
	return err == nil
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return d
	}
	return DateOf(t.AddDate(0, 0, n))
}

// LocalDay returns the half-open interval [start, end) covering the civil day
// d in loc.
func (d Date) LocalDay(loc *time.Location) (start, end time.Time, err error) {
	start, err = time.ParseInLocation(DateLayout, string(d), loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 0, 1), nil
}

func (d Date) String() string { return string(d) }
