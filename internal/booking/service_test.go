package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisly/booking/internal/calendar"
	"advisly/booking/internal/domain"
	"advisly/booking/internal/reservation"
)

type fakeChecker struct {
	mu            sync.Mutex
	freeFn        func() bool
	err           error
	checks        int
	invalidations int
}

func (f *fakeChecker) IsSlotFree(context.Context, string, time.Time, domain.Clock) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.err != nil {
		return false, f.err
	}
	if f.freeFn == nil {
		return true, nil
	}
	return f.freeFn(), nil
}

func (f *fakeChecker) Invalidate(context.Context, string, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeChecker) stats() (checks, invalidations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.invalidations
}

type fakeWriter struct {
	mu        sync.Mutex
	insertErr error
	deleteErr error
	inserted  []calendar.Event
	deleted   []string
}

func (f *fakeWriter) InsertEvent(_ context.Context, _ string, ev calendar.Event) (calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return calendar.Event{}, f.insertErr
	}
	ev.ID = "evt-1"
	f.inserted = append(f.inserted, ev)
	return ev, nil
}

func (f *fakeWriter) DeleteEvent(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeWriter) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

var (
	bookDay   = time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	bookStart = domain.Clock{Hour: 14}
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(checker *fakeChecker, writer *fakeWriter) (*Service, *reservation.LockTable) {
	locks := reservation.NewLockTable(time.Minute, discard())
	svc := NewService(locks, checker, writer, Options{
		SlotLength: 2 * time.Hour,
		Location:   time.UTC,
		Logger:     discard(),
	})
	return svc, locks
}

func bookReq() Request {
	return Request{
		Subject: "berater-A",
		Day:     bookDay,
		Start:   bookStart,
		Summary: "Consultation",
	}
}

func TestBookSuccess(t *testing.T) {
	checker := &fakeChecker{}
	writer := &fakeWriter{}
	svc, locks := newTestService(checker, writer)

	created, err := svc.Book(context.Background(), bookReq())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", created.ID)

	require.Equal(t, 1, writer.insertCount())
	ev := writer.inserted[0]
	start, ok := ev.Start.Instant()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.January, 5, 14, 0, 0, 0, time.UTC), start.UTC())
	end, ok := ev.End.Instant()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.January, 5, 16, 0, 0, 0, time.UTC), end.UTC())

	checks, invalidations := checker.stats()
	assert.Equal(t, 1, checks)
	assert.Equal(t, 1, invalidations, "a successful write must invalidate the day")

	_, ok = locks.Acquire(domain.SlotKey("berater-A", bookDay, bookStart))
	assert.True(t, ok, "lock must be released after booking")
}

func TestBookSlotTaken(t *testing.T) {
	checker := &fakeChecker{freeFn: func() bool { return false }}
	writer := &fakeWriter{}
	svc, locks := newTestService(checker, writer)

	_, err := svc.Book(context.Background(), bookReq())
	require.ErrorIs(t, err, ErrSlotTaken)

	assert.Equal(t, 0, writer.insertCount(), "an occupied slot must not be written")
	_, invalidations := checker.stats()
	assert.Equal(t, 0, invalidations)

	_, ok := locks.Acquire(domain.SlotKey("berater-A", bookDay, bookStart))
	assert.True(t, ok, "lock must be released after a taken slot")
}

func TestBookCheckErrorPropagates(t *testing.T) {
	checker := &fakeChecker{err: calendar.ErrQuotaExceeded}
	writer := &fakeWriter{}
	svc, locks := newTestService(checker, writer)

	_, err := svc.Book(context.Background(), bookReq())
	require.ErrorIs(t, err, calendar.ErrQuotaExceeded)
	assert.Equal(t, 0, writer.insertCount())

	_, ok := locks.Acquire(domain.SlotKey("berater-A", bookDay, bookStart))
	assert.True(t, ok, "lock must be released after a failed check")
}

func TestBookInsertErrorPropagates(t *testing.T) {
	checker := &fakeChecker{}
	writer := &fakeWriter{insertErr: errors.New("insert failed")}
	svc, locks := newTestService(checker, writer)

	_, err := svc.Book(context.Background(), bookReq())
	require.Error(t, err)

	_, invalidations := checker.stats()
	assert.Equal(t, 0, invalidations, "nothing changed, nothing to invalidate")

	_, ok := locks.Acquire(domain.SlotKey("berater-A", bookDay, bookStart))
	assert.True(t, ok, "lock must be released after a failed write")
}

func TestBookContendedSlot(t *testing.T) {
	checker := &fakeChecker{}
	writer := &fakeWriter{}
	svc, locks := newTestService(checker, writer)

	_, ok := locks.Acquire(domain.SlotKey("berater-A", bookDay, bookStart))
	require.True(t, ok, "simulate another request holding the slot")

	_, err := svc.Book(context.Background(), bookReq())
	require.ErrorIs(t, err, reservation.ErrSlotLocked)

	checks, _ := checker.stats()
	assert.Equal(t, 0, checks, "a contended slot must fail before any provider work")
	assert.Equal(t, 0, writer.insertCount())
}

func TestBookValidatesRequest(t *testing.T) {
	svc, _ := newTestService(&fakeChecker{}, &fakeWriter{})

	var verr *ValidationError
	req := bookReq()
	req.Subject = ""
	_, err := svc.Book(context.Background(), req)
	require.ErrorAs(t, err, &verr)

	req = bookReq()
	req.Day = time.Time{}
	_, err = svc.Book(context.Background(), req)
	require.ErrorAs(t, err, &verr)
}

func TestConcurrentBookingsWriteOnce(t *testing.T) {
	writer := &fakeWriter{}
	// The slot stays free until the first write lands, as with a real
	// listing re-check.
	checker := &fakeChecker{}
	checker.freeFn = func() bool { return writer.insertCount() == 0 }
	svc, _ := newTestService(checker, writer)

	const attempts = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Book(context.Background(), bookReq())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, writer.insertCount(), "exactly one write must reach the calendar")

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, reservation.ErrSlotLocked) || errors.Is(err, ErrSlotTaken):
		default:
			t.Fatalf("unexpected booking error: %v", err)
		}
	}
	assert.Equal(t, 1, won, "exactly one booking may succeed")
}

func TestCancel(t *testing.T) {
	checker := &fakeChecker{}
	writer := &fakeWriter{}
	svc, _ := newTestService(checker, writer)

	require.NoError(t, svc.Cancel(context.Background(), "berater-A", bookDay, "evt-1"))

	writer.mu.Lock()
	deleted := append([]string(nil), writer.deleted...)
	writer.mu.Unlock()
	assert.Equal(t, []string{"evt-1"}, deleted)

	_, invalidations := checker.stats()
	assert.Equal(t, 1, invalidations)
}

func TestCancelDeleteErrorSkipsInvalidation(t *testing.T) {
	checker := &fakeChecker{}
	writer := &fakeWriter{deleteErr: errors.New("delete failed")}
	svc, _ := newTestService(checker, writer)

	require.Error(t, svc.Cancel(context.Background(), "berater-A", bookDay, "evt-1"))

	_, invalidations := checker.stats()
	assert.Equal(t, 0, invalidations)
}

func TestCancelValidates(t *testing.T) {
	svc, _ := newTestService(&fakeChecker{}, &fakeWriter{})

	var verr *ValidationError
	require.ErrorAs(t, svc.Cancel(context.Background(), "", bookDay, "evt-1"), &verr)
	require.ErrorAs(t, svc.Cancel(context.Background(), "berater-A", bookDay, ""), &verr)
	require.ErrorAs(t, svc.Cancel(context.Background(), "berater-A", time.Time{}, "evt-1"), &verr)
}
