package model

import (
	"time"

	"github.com/gridwell/datafeeds/internal/dates"
)

// IntervalVector is one day of sub-hourly readings. Nil slots denote missing
// data; length is fixed per meter (1440 / interval_minutes).
type IntervalVector []*float64

// Reading returns a non-nil slot value for literals in tests and adapters.
func Reading(v float64) *float64 { return &v }

// Clone returns a deep copy of the vector.
func (v IntervalVector) Clone() IntervalVector {
	out := make(IntervalVector, len(v))
	for i, p := range v {
		if p != nil {
			val := *p
			out[i] = &val
		}
	}
	return out
}

// Equal compares two vectors slot-wise, treating nil as distinct from any
// number.
func (v IntervalVector) Equal(other IntervalVector) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		a, b := v[i], other[i]
		switch {
		case a == nil && b == nil:
		case a == nil || b == nil:
			return false
		case *a != *b:
			return false
		}
	}
	return true
}

// Merge overlays incoming onto v: incoming non-nil slots win, nil slots never
// erase stored data. Returns the merged vector and whether anything changed.
func (v IntervalVector) Merge(incoming IntervalVector) (IntervalVector, bool) {
	merged := v.Clone()
	changed := false
	for i, p := range incoming {
		if p == nil {
			continue
		}
		if merged[i] == nil || *merged[i] != *p {
			val := *p
			merged[i] = &val
			changed = true
		}
	}
	return merged, changed
}

// IntervalReading is the stored per-meter per-day reading row.
type IntervalReading struct {
	MeterID  int64          `json:"meter_id"`
	Occurred dates.Date     `json:"occurred"`
	Readings IntervalVector `json:"readings"`
	Frozen   bool           `json:"frozen"`
	Modified time.Time      `json:"modified"`
}
