package domain

import "fmt"

// WagerStatus represents the lifecycle state of a wager.
type WagerStatus string

const (
	StatusOpen   WagerStatus = "open"
	StatusLocked WagerStatus = "locked"
	StatusGraded WagerStatus = "graded"
	StatusVoid   WagerStatus = "void"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []WagerStatus{StatusOpen, StatusLocked, StatusGraded, StatusVoid}

// transitions is the complete set of legal status edges. Graded and Void have
// no outgoing edges.
var transitions = map[WagerStatus]map[WagerStatus]bool{
	StatusOpen:   {StatusLocked: true, StatusVoid: true},
	StatusLocked: {StatusGraded: true, StatusVoid: true},
}

// CanTransition reports whether moving a wager from one status to another is
// allowed.
func CanTransition(from, to WagerStatus) bool {
	return transitions[from][to]
}

// Valid reports whether s is a known status.
func (s WagerStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusLocked, StatusGraded, StatusVoid:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s WagerStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// ParseStatus converts a query-string value into a WagerStatus.
func ParseStatus(v string) (WagerStatus, error) {
	s := WagerStatus(v)
	if !s.Valid() {
		return "", Invalid("status", "unknown status %q", v)
	}
	return s, nil
}

// TransitionError is returned when a caller requests an edge that is not in
// the transition table.
func TransitionError(from, to WagerStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
