// Package providertest runs an in-process HTTP double of the calendar
// provider API for tests: seedable events, pagination, and scriptable
// failure responses.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"advisly/booking/internal/calendar"
)

// Server is a fake calendar provider backed by httptest.
type Server struct {
	hs *httptest.Server

	mu       sync.Mutex
	nextID   int
	events   map[string][]calendar.Event
	failures []int
	calls    map[string]int
}

func New() *Server {
	s := &Server{
		nextID: 1,
		events: make(map[string][]calendar.Event),
		calls:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/{id}", s.handleGetCalendar)
	mux.HandleFunc("GET /calendars/{id}/events", s.handleList)
	mux.HandleFunc("POST /calendars/{id}/events", s.handleInsert)
	mux.HandleFunc("PUT /calendars/{id}/events/{eventID}", s.handleUpdate)
	mux.HandleFunc("DELETE /calendars/{id}/events/{eventID}", s.handleDelete)
	s.hs = httptest.NewServer(mux)
	return s
}

func (s *Server) URL() string { return s.hs.URL }

func (s *Server) Close() { s.hs.Close() }

// Seed places events directly into a calendar, bypassing the API surface.
func (s *Server) Seed(calendarID string, evs ...calendar.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = s.allocID()
		}
		s.events[calendarID] = append(s.events[calendarID], ev)
	}
}

// FailNext makes the next n requests answer with status before normal
// handling resumes.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// Calls reports how many requests reached op's handler, scripted failures
// included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Events returns a copy of a calendar's current events.
func (s *Server) Events(calendarID string) []calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calendar.Event, len(s.events[calendarID]))
	copy(out, s.events[calendarID])
	return out
}

func (s *Server) allocID() string {
	id := fmt.Sprintf("evt-%d", s.nextID)
	s.nextID++
	return id
}

// intercept counts the request and pops a scripted failure if one is
// queued. It reports true when it already answered.
func (s *Server) intercept(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	s.calls[op]++
	if len(s.failures) == 0 {
		s.mu.Unlock()
		return false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	s.mu.Unlock()

	writeAPIError(w, status, http.StatusText(status))
	return true
}

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, calendar.OpPing) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, calendar.OpListEvents) {
		return
	}

	timeMin, okMin := parseRFC3339(r.URL.Query().Get("timeMin"))
	timeMax, okMax := parseRFC3339(r.URL.Query().Get("timeMax"))

	s.mu.Lock()
	all := append([]calendar.Event(nil), s.events[r.PathValue("id")]...)
	s.mu.Unlock()

	matched := make([]calendar.Event, 0, len(all))
	for _, ev := range all {
		if okMin && okMax && !eventOverlaps(ev, timeMin, timeMax) {
			continue
		}
		matched = append(matched, ev)
	}

	offset := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n > len(matched) {
			writeAPIError(w, http.StatusBadRequest, "invalid pageToken")
			return
		}
		offset = n
	}

	end := len(matched)
	next := ""
	if max := r.URL.Query().Get("maxResults"); max != "" {
		n, err := strconv.Atoi(max)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid maxResults")
			return
		}
		if offset+n < end {
			end = offset + n
			next = strconv.Itoa(end)
		}
	}

	writeJSON(w, http.StatusOK, calendar.EventPage{
		Events:        matched[offset:end],
		NextPageToken: next,
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, calendar.OpInsertEvent) {
		return
	}

	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	s.mu.Lock()
	ev.ID = s.allocID()
	if ev.Status == "" {
		ev.Status = calendar.StatusConfirmed
	}
	id := r.PathValue("id")
	s.events[id] = append(s.events[id], ev)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, calendar.OpUpdateEvent) {
		return
	}

	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	id, eventID := r.PathValue("id"), r.PathValue("eventID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.events[id] {
		if existing.ID == eventID {
			ev.ID = eventID
			s.events[id][i] = ev
			writeJSON(w, http.StatusOK, ev)
			return
		}
	}
	writeAPIError(w, http.StatusNotFound, "event not found")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, calendar.OpDeleteEvent) {
		return
	}

	id, eventID := r.PathValue("id"), r.PathValue("eventID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.events[id] {
		if existing.ID == eventID {
			s.events[id] = append(s.events[id][:i], s.events[id][i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeAPIError(w, http.StatusNotFound, "event not found")
}

func eventOverlaps(ev calendar.Event, timeMin, timeMax time.Time) bool {
	start, okS := ev.Start.Instant()
	end, okE := ev.End.Instant()
	if !okS || !okE {
		// All-day or malformed entries always match; the consumer decides
		// what they mean.
		return true
	}
	return start.Before(timeMax) && timeMin.Before(end)
}

func parseRFC3339(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}
