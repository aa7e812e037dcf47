package domain

import "time"

// BusyInterval is a half-open [Start, End) range during which a subject's
// calendar is occupied.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

func (b BusyInterval) Valid() bool {
	return b.End.After(b.Start)
}

// Overlaps reports whether the half-open window [start, end) intersects the
// interval. Touching boundaries do not overlap.
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// AnyOverlap reports whether [start, end) intersects at least one interval.
func AnyOverlap(busy []BusyInterval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
