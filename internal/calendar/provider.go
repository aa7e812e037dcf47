// Package calendar mediates every call to the external calendar provider.
//
// The Gateway is the only path to the provider: it enforces the daily call
// quota, keeps a minimum spacing between calls, retries transient failures
// with class-specific backoff, and caches read results so browsing traffic
// does not burn quota.
package calendar

import (
	"context"
	"time"
)

// Event statuses as the provider reports them.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Gateway operation names. They key both call routing and cache entries.
const (
	OpListEvents  = "events.list"
	OpInsertEvent = "events.insert"
	OpUpdateEvent = "events.update"
	OpDeleteEvent = "events.delete"
	OpPing        = "calendars.get"
)

// EventTime carries one endpoint of an event: a timed instant, or a bare
// date for all-day entries.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Instant parses the endpoint's timed value. It reports false for nil
// endpoints, all-day entries, and unparseable payloads; callers decide how
// to treat those.
func (t *EventTime) Instant() (time.Time, bool) {
	if t == nil || t.DateTime == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Event is the provider's event resource, reduced to the fields scheduling
// needs.
type Event struct {
	ID          string     `json:"id,omitempty"`
	Status      string     `json:"status,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Created     string     `json:"created,omitempty"`
	Updated     string     `json:"updated,omitempty"`
}

// Cancelled reports whether the provider marked the event cancelled.
func (e Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// TimedEvent builds a confirmed event spanning [start, start+d) in loc.
func TimedEvent(summary, description string, start time.Time, d time.Duration, loc *time.Location) Event {
	if loc == nil {
		loc = time.UTC
	}
	return Event{
		Status:      StatusConfirmed,
		Summary:     summary,
		Description: description,
		Start:       &EventTime{DateTime: start.In(loc).Format(time.RFC3339), TimeZone: loc.String()},
		End:         &EventTime{DateTime: start.Add(d).In(loc).Format(time.RFC3339), TimeZone: loc.String()},
	}
}

// EventQuery narrows a listing to a window. The provider returns events
// overlapping [TimeMin, TimeMax), a page at a time.
type EventQuery struct {
	TimeMin      time.Time
	TimeMax      time.Time
	PageToken    string
	MaxResults   int
	SingleEvents bool
}

// EventPage is one page of a listing.
type EventPage struct {
	Events        []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Provider is the raw calendar backend. Implementations perform exactly one
// provider round trip per method call and classify failures via
// *ProviderError; retry, quota and caching live in the Gateway.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, q EventQuery) (EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Ping(ctx context.Context) error

	// Reconnect discards the provider's transport state so the next call
	// starts on a fresh connection. Called after transport-level failures.
	Reconnect()
}
