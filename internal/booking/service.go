// Package booking orchestrates one reservation: take the slot lock, verify
// the slot against a fresh listing, write the event, invalidate cached
// availability. The calendar is the source of truth throughout; the lock
// only serializes the check-then-write window.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"advisly/booking/internal/calendar"
	"advisly/booking/internal/domain"
)

// ErrSlotTaken is returned when the pre-write re-check finds the slot
// occupied. It is an expected race outcome: offer the caller fresh slots.
var ErrSlotTaken = errors.New("booking: slot is no longer available")

// ValidationError reports an unusable booking request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// SlotLocker serializes access to one bookable slot.
type SlotLocker interface {
	WithSlotLock(subject string, day time.Time, start domain.Clock, fn func() error) error
}

// SlotChecker verifies and invalidates availability.
type SlotChecker interface {
	IsSlotFree(ctx context.Context, subject string, day time.Time, start domain.Clock) (bool, error)
	Invalidate(ctx context.Context, subject string, day time.Time)
}

// CalendarWriter performs the event writes behind a booking.
type CalendarWriter interface {
	InsertEvent(ctx context.Context, calendarID string, ev calendar.Event) (calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Request describes one booking attempt.
type Request struct {
	// Subject is the calendar being booked, e.g. an advisor's calendar id.
	Subject string
	// Day is the calendar day of the slot.
	Day time.Time
	// Start is the slot's start time within the day.
	Start domain.Clock
	// Summary and Description populate the created event.
	Summary     string
	Description string
}

// Options configures a booking Service.
type Options struct {
	// SlotLength is the duration of every booked event. It must match the
	// scanner's slot length or re-checks guard the wrong window.
	SlotLength time.Duration
	// Location anchors day+start to an instant.
	Location *time.Location
	Logger   *slog.Logger
}

// Service books and cancels slots.
type Service struct {
	locks   SlotLocker
	checker SlotChecker
	writer  CalendarWriter

	slotLen time.Duration
	loc     *time.Location
	log     *slog.Logger
}

func NewService(locks SlotLocker, checker SlotChecker, writer CalendarWriter, opts Options) *Service {
	slotLen := opts.SlotLength
	if slotLen <= 0 {
		slotLen = 2 * time.Hour
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		locks:   locks,
		checker: checker,
		writer:  writer,
		slotLen: slotLen,
		loc:     loc,
		log:     log.With(slog.String("component", "booking_service")),
	}
}

// Book reserves one slot. It returns ErrSlotLocked from the lock table when
// another request is mid-booking on the same slot, and ErrSlotTaken when
// the fresh listing shows the slot already occupied.
func (s *Service) Book(ctx context.Context, req Request) (calendar.Event, error) {
	if err := validateRequest(req); err != nil {
		return calendar.Event{}, err
	}

	var created calendar.Event
	err := s.locks.WithSlotLock(req.Subject, req.Day, req.Start, func() error {
		free, err := s.checker.IsSlotFree(ctx, req.Subject, req.Day, req.Start)
		if err != nil {
			return err
		}
		if !free {
			return errors.WithStack(ErrSlotTaken)
		}

		start := req.Start.At(req.Day, s.loc)
		ev, err := s.writer.InsertEvent(ctx, req.Subject, calendar.TimedEvent(req.Summary, req.Description, start, s.slotLen, s.loc))
		if err != nil {
			return err
		}
		created = ev

		s.checker.Invalidate(ctx, req.Subject, req.Day)
		return nil
	})
	if err != nil {
		return calendar.Event{}, err
	}

	s.log.Info("slot booked",
		slog.String("subject", req.Subject),
		slog.String("date", req.Day.In(s.loc).Format("2006-01-02")),
		slog.String("start", req.Start.String()),
		slog.String("event_id", created.ID))
	return created, nil
}

// Cancel removes a booked event and invalidates the day's availability.
func (s *Service) Cancel(ctx context.Context, subject string, day time.Time, eventID string) error {
	if subject == "" {
		return &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	if eventID == "" {
		return &ValidationError{Field: "event_id", Message: "must not be empty"}
	}
	if day.IsZero() {
		return &ValidationError{Field: "date", Message: "must not be zero"}
	}

	if err := s.writer.DeleteEvent(ctx, subject, eventID); err != nil {
		return err
	}
	s.checker.Invalidate(ctx, subject, day)

	s.log.Info("booking cancelled",
		slog.String("subject", subject),
		slog.String("date", day.In(s.loc).Format("2006-01-02")),
		slog.String("event_id", eventID))
	return nil
}

func validateRequest(req Request) error {
	if req.Subject == "" {
		return &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	if req.Day.IsZero() {
		return &ValidationError{Field: "date", Message: "must not be zero"}
	}
	return nil
}
