// Package availability computes free, bookable slots from the calendar's
// busy intervals.
//
// The scan is a greedy forward pass over the workday: a free window is
// claimed whole and the cursor jumps past it, while a blocked window only
// nudges the cursor forward by the scan step. Computed day results are
// cached; the single-slot check always bypasses caching because it guards
// an imminent write.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"advisly/booking/internal/cache"
	"advisly/booking/internal/calendar"
	"advisly/booking/internal/domain"
)

const (
	defaultSlotLength = 2 * time.Hour
	defaultScanStep   = 30 * time.Minute
	defaultBrowseTTL  = 10 * time.Minute

	// monthScanConcurrency bounds how many day scans run at once during a
	// month sweep, keeping burst pressure off the provider quota.
	monthScanConcurrency = 4
)

// ValidationError reports an unusable argument. It is a caller bug, not a
// provider failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// CalendarGateway is the slice of the calendar gateway the scanner needs.
type CalendarGateway interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, opts calendar.ReadOptions) ([]calendar.Event, error)
	InvalidateListing(ctx context.Context, calendarID string, timeMin, timeMax time.Time)
}

// Options configures a Scanner.
type Options struct {
	// Open and Close bound the scannable workday.
	Open  domain.Clock
	Close domain.Clock
	// SlotLength is the fixed duration of every offered slot.
	SlotLength time.Duration
	// ScanStep is how far the cursor advances past a blocked start.
	ScanStep time.Duration
	// BrowseTTL bounds the freshness of cached day results and of the
	// event listings behind them.
	BrowseTTL time.Duration
	// Location is the timezone the workday is defined in.
	Location *time.Location
	// Store caches computed day results. Defaults to an in-process store.
	Store  cache.Store
	Logger *slog.Logger
}

// Scanner derives free slots for one subject and day at a time.
type Scanner struct {
	cal   CalendarGateway
	store cache.Store

	open      domain.Clock
	close     domain.Clock
	slotLen   time.Duration
	step      time.Duration
	browseTTL time.Duration
	loc       *time.Location

	log *slog.Logger
}

func NewScanner(cal CalendarGateway, opts Options) *Scanner {
	open := opts.Open
	closeAt := opts.Close
	if open == closeAt {
		open = domain.Clock{Hour: 8}
		closeAt = domain.Clock{Hour: 20}
	}
	slotLen := opts.SlotLength
	if slotLen <= 0 {
		slotLen = defaultSlotLength
	}
	step := opts.ScanStep
	if step <= 0 {
		step = defaultScanStep
	}
	browseTTL := opts.BrowseTTL
	if browseTTL <= 0 {
		browseTTL = defaultBrowseTTL
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	store := opts.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Scanner{
		cal:       cal,
		store:     store,
		open:      open,
		close:     closeAt,
		slotLen:   slotLen,
		step:      step,
		browseTTL: browseTTL,
		loc:       loc,
		log:       log.With(slog.String("component", "availability_scanner")),
	}
}

// FreeSlotsForDay returns the day's free slots grouped by period. Results
// are cached per subject and date, so repeated browsing of the same day is
// free until the TTL lapses or a booking invalidates it.
func (s *Scanner) FreeSlotsForDay(ctx context.Context, subject string, day time.Time) (domain.DaySlots, error) {
	if err := validateSubject(subject); err != nil {
		return domain.DaySlots{}, err
	}
	if day.IsZero() {
		return domain.DaySlots{}, &ValidationError{Field: "date", Message: "must not be zero"}
	}

	day = day.In(s.loc)
	key := dayKey(subject, day)
	if raw, ok := s.store.Get(ctx, key); ok {
		var cached domain.DaySlots
		if err := json.Unmarshal(raw, &cached); err == nil {
			s.log.Debug("day scan served from cache",
				slog.String("subject", subject),
				slog.String("date", day.Format("2006-01-02")))
			return cached, nil
		}
		s.store.Delete(ctx, key)
	}

	dayOpen := s.open.At(day, s.loc)
	dayClose := s.close.At(day, s.loc)
	busy, err := s.busyWindows(ctx, subject, dayOpen, dayClose,
		calendar.ReadOptions{Cacheable: true, TTL: s.browseTTL})
	if err != nil {
		return domain.DaySlots{}, err
	}

	slots := s.scan(dayOpen, dayClose, busy)
	if raw, err := json.Marshal(slots); err == nil {
		if err := s.store.Set(ctx, key, raw, s.browseTTL); err != nil {
			s.log.Warn("day scan cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	s.log.Debug("day scanned",
		slog.String("subject", subject),
		slog.String("date", day.Format("2006-01-02")),
		slog.Int("busy", len(busy)),
		slog.Int("free", slots.Total()))
	return slots, nil
}

// IsSlotFree re-verifies one candidate slot against a fresh listing. It
// never reads or writes caches: callers use it immediately before a write,
// when a stale answer would double-book.
func (s *Scanner) IsSlotFree(ctx context.Context, subject string, day time.Time, start domain.Clock) (bool, error) {
	if err := validateSubject(subject); err != nil {
		return false, err
	}
	if day.IsZero() {
		return false, &ValidationError{Field: "date", Message: "must not be zero"}
	}

	day = day.In(s.loc)
	slotStart := start.At(day, s.loc)
	slotEnd := slotStart.Add(s.slotLen)
	if slotStart.Before(s.open.At(day, s.loc)) || slotEnd.After(s.close.At(day, s.loc)) {
		return false, nil
	}

	busy, err := s.busyWindows(ctx, subject, slotStart, slotEnd, calendar.ReadOptions{})
	if err != nil {
		return false, err
	}
	return !domain.AnyOverlap(busy, slotStart, slotEnd), nil
}

// FreeSlotCountsForMonth scans every weekday of the month and returns the
// free-slot count per ISO date. Day scans run concurrently but bounded, and
// each one reuses the per-day cache.
func (s *Scanner) FreeSlotCountsForMonth(ctx context.Context, subject string, year int, month time.Month) (map[string]int, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if month < time.January || month > time.December {
		return nil, &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}
	if year <= 0 {
		return nil, &ValidationError{Field: "year", Message: "must be positive"}
	}

	var mu sync.Mutex
	counts := make(map[string]int)

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(monthScanConcurrency)

	first := time.Date(year, month, 1, 0, 0, 0, 0, s.loc)
	for day := first; day.Month() == month; day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		grp.Go(func() error {
			slots, err := s.FreeSlotsForDay(ctx, subject, day)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[day.Format("2006-01-02")] = slots.Total()
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Invalidate drops the cached day result and the event listing behind it.
// Called after any write that changes the day's busy intervals.
func (s *Scanner) Invalidate(ctx context.Context, subject string, day time.Time) {
	day = day.In(s.loc)
	if err := s.store.Delete(ctx, dayKey(subject, day)); err != nil {
		s.log.Warn("day scan invalidation failed",
			slog.String("subject", subject),
			slog.String("date", day.Format("2006-01-02")),
			slog.Any("error", err))
	}
	s.cal.InvalidateListing(ctx, subject, s.open.At(day, s.loc), s.close.At(day, s.loc))
	s.log.Debug("availability invalidated",
		slog.String("subject", subject),
		slog.String("date", day.Format("2006-01-02")))
}

// SlotLength reports the fixed duration slots are offered in.
func (s *Scanner) SlotLength() time.Duration { return s.slotLen }

// Location reports the timezone the workday is anchored to.
func (s *Scanner) Location() *time.Location { return s.loc }

// scan walks the workday greedily: free slots advance the cursor by a full
// slot length, blocked starts advance it by one step.
func (s *Scanner) scan(dayOpen, dayClose time.Time, busy []domain.BusyInterval) domain.DaySlots {
	var out domain.DaySlots
	cur := dayOpen
	for !cur.Add(s.slotLen).After(dayClose) {
		end := cur.Add(s.slotLen)
		if domain.AnyOverlap(busy, cur, end) {
			cur = cur.Add(s.step)
			continue
		}
		out.Add(domain.FreeSlot{Start: cur, Period: domain.PeriodForEnd(end)})
		cur = end
	}
	return out
}

// busyWindows fetches events overlapping [winStart, winEnd) and reduces
// them to busy intervals. Cancelled events are dropped; events without
// usable start and end instants block the whole window.
func (s *Scanner) busyWindows(ctx context.Context, subject string, winStart, winEnd time.Time, opts calendar.ReadOptions) ([]domain.BusyInterval, error) {
	events, err := s.cal.ListEvents(ctx, subject, winStart, winEnd, opts)
	if err != nil {
		return nil, err
	}

	busy := make([]domain.BusyInterval, 0, len(events))
	for _, ev := range events {
		if ev.Cancelled() {
			continue
		}
		start, okStart := ev.Start.Instant()
		end, okEnd := ev.End.Instant()
		if !okStart || !okEnd || !end.After(start) {
			busy = append(busy, domain.BusyInterval{Start: winStart, End: winEnd})
			continue
		}
		busy = append(busy, domain.BusyInterval{Start: start.In(s.loc), End: end.In(s.loc)})
	}
	return busy, nil
}

func validateSubject(subject string) error {
	if subject == "" {
		return &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	return nil
}

func dayKey(subject string, day time.Time) string {
	return "slots:" + subject + ":" + day.Format("2006-01-02")
}
