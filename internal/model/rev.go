package model

import (
	"strconv"
	"time"
)

// Rev is a per-list revision number drawn from the shared store's wall clock:
// whole seconds plus a microsecond fraction. It travels as a decimal string on
// the wire to avoid float precision loss in client JSON parsers.
type Rev float64

// ParseRev parses the wire representation of a revision.
func ParseRev(s string) (Rev, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return Rev(f), nil
}

// String renders the revision with microsecond precision.
func (r Rev) String() string {
	return strconv.FormatFloat(float64(r), 'f', 6, 64)
}

// RevFromTime converts a wall-clock instant to a revision. Only used when the
// shared store itself hands us a TIME reply; node-local clocks must never feed
// this for ordering decisions.
func RevFromTime(t time.Time) Rev {
	return Rev(float64(t.Unix()) + float64(t.Nanosecond()/1000)/1e6)
}
