package domain

import "time"

// Period buckets a free slot by the time of day its window closes.
type Period string

const (
	PeriodMorning Period = "morning"
	PeriodMidday  Period = "midday"
	PeriodEvening Period = "evening"
)

const (
	morningCutoffMinutes = 12 * 60
	middayCutoffMinutes  = 16 * 60
)

// PeriodForEnd classifies a slot by its end time: ending at or before 12:00
// is morning, at or before 16:00 is midday, anything later is evening.
func PeriodForEnd(end time.Time) Period {
	m := end.Hour()*60 + end.Minute()
	switch {
	case m <= morningCutoffMinutes:
		return PeriodMorning
	case m <= middayCutoffMinutes:
		return PeriodMidday
	default:
		return PeriodEvening
	}
}

// FreeSlot is one bookable window of the configured duration.
type FreeSlot struct {
	Start  time.Time `json:"start"`
	Period Period    `json:"period"`
}

// DaySlots holds a day's free slots grouped by period, in start order.
type DaySlots struct {
	Morning []FreeSlot `json:"morning,omitempty"`
	Midday  []FreeSlot `json:"midday,omitempty"`
	Evening []FreeSlot `json:"evening,omitempty"`
}

func (d *DaySlots) Add(s FreeSlot) {
	switch s.Period {
	case PeriodMorning:
		d.Morning = append(d.Morning, s)
	case PeriodMidday:
		d.Midday = append(d.Midday, s)
	default:
		d.Evening = append(d.Evening, s)
	}
}

func (d DaySlots) Total() int {
	return len(d.Morning) + len(d.Midday) + len(d.Evening)
}

// Starts returns every slot start in scan order.
func (d DaySlots) Starts() []time.Time {
	out := make([]time.Time, 0, d.Total())
	for _, group := range [][]FreeSlot{d.Morning, d.Midday, d.Evening} {
		for _, s := range group {
			out = append(out, s.Start)
		}
	}
	return out
}

// SlotKey names one bookable window for mutual exclusion. Two booking
// attempts contend only when date, start time and subject all match.
func SlotKey(subject string, day time.Time, start Clock) string {
	return day.Format("2006-01-02") + "|" + start.String() + "|" + subject
}
