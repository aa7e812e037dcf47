package calendar

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
)

type fakeProvider struct {
	mu          sync.Mutex
	listCalls   int
	insertCalls int
	deleteCalls int
	reconnects  int

	listFn   func(q EventQuery) (EventPage, error)
	insertFn func(calendarID string, ev Event) (Event, error)
	deleteFn func(calendarID, eventID string) error
	pingFn   func() error
}

func (f *fakeProvider) ListEvents(_ context.Context, _ string, q EventQuery) (EventPage, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.listFn
	f.mu.Unlock()
	if fn == nil {
		return EventPage{}, nil
	}
	return fn(q)
}

func (f *fakeProvider) InsertEvent(_ context.Context, calendarID string, ev Event) (Event, error) {
	f.mu.Lock()
	f.insertCalls++
	fn := f.insertFn
	f.mu.Unlock()
	if fn == nil {
		return ev, nil
	}
	return fn(calendarID, ev)
}

func (f *fakeProvider) UpdateEvent(_ context.Context, _, _ string, ev Event) (Event, error) {
	return ev, nil
}

func (f *fakeProvider) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	f.deleteCalls++
	fn := f.deleteFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(calendarID, eventID)
}

func (f *fakeProvider) Ping(_ context.Context) error {
	f.mu.Lock()
	fn := f.pingFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (f *fakeProvider) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeProvider) counts() (list, insert, reconnect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.insertCalls, f.reconnects
}

// newTestGateway builds a gateway with no call spacing, a silent logger,
// and a sleep hook that records backoff delays instead of waiting.
func newTestGateway(p Provider, opts Options) (*Gateway, *[]time.Duration) {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGateway(p, opts)

	delays := &[]time.Duration{}
	g.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return g, delays
}

func eventsPage(ids ...string) EventPage {
	var evs []Event
	for _, id := range ids {
		evs = append(evs, Event{ID: id, Status: StatusConfirmed})
	}
	return EventPage{Events: evs}
}

var (
	listWindowMin = time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)
	listWindowMax = time.Date(2026, time.January, 5, 20, 0, 0, 0, time.UTC)
)

func TestGatewayCachesReads(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return eventsPage("evt-1"), nil
	}}
	g, _ := newTestGateway(fp, Options{DailyQuota: 10})
	ctx := context.Background()
	opts := ReadOptions{Cacheable: true, TTL: time.Minute}

	first, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	list, _, _ := fp.counts()
	assert.Equal(t, 1, list, "second read should be served from cache")
	assert.Equal(t, 9, g.QuotaRemaining(), "cache hits must not consume quota")
}

func TestGatewayNonCacheableAlwaysFetches(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return eventsPage("evt-1"), nil
	}}
	g, _ := newTestGateway(fp, Options{DailyQuota: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, ReadOptions{})
		require.NoError(t, err)
	}

	list, _, _ := fp.counts()
	assert.Equal(t, 3, list)
}

func TestGatewayRateLimitedRetriesWithSteepBackoff(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return EventPage{}, &ProviderError{Op: OpListEvents, StatusCode: 429}
	}}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10, BaseDelay: 500 * time.Millisecond})

	_, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.ErrorIs(t, err, ErrCallFailed)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 429, pe.StatusCode)

	list, _, reconnects := fp.counts()
	assert.Equal(t, 3, list, "three attempts, then give up")
	assert.Equal(t, 0, reconnects, "rate limiting must not reset the connection")

	require.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, *delays)
	for i := 1; i < len(*delays); i++ {
		assert.Greater(t, (*delays)[i], (*delays)[i-1], "delays must strictly increase")
	}
}

func TestGatewayServerErrorBackoffIsSmaller(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return EventPage{}, &ProviderError{Op: OpListEvents, StatusCode: 503}
	}}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10, BaseDelay: 500 * time.Millisecond})

	_, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.ErrorIs(t, err, ErrCallFailed)

	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *delays)
}

func TestGatewayRecoversMidRetry(t *testing.T) {
	attempts := 0
	fp := &fakeProvider{}
	fp.listFn = func(EventQuery) (EventPage, error) {
		attempts++
		if attempts < 3 {
			return EventPage{}, &ProviderError{Op: OpListEvents, StatusCode: 500}
		}
		return eventsPage("evt-1"), nil
	}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10, BaseDelay: 100 * time.Millisecond})

	events, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
	assert.Equal(t, 9, g.QuotaRemaining(), "retries ride on the original call's quota unit")
}

func TestGatewayPermanentFailureDoesNotRetry(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return EventPage{}, &ProviderError{Op: OpListEvents, StatusCode: 404, Message: "calendar not found"}
	}}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10})

	_, err := g.ListEvents(context.Background(), "nope", listWindowMin, listWindowMax, ReadOptions{})
	require.ErrorIs(t, err, ErrCallFailed)

	list, _, _ := fp.counts()
	assert.Equal(t, 1, list, "4xx other than 429 must not be retried")
	assert.Empty(t, *delays)
}

func TestGatewayTransportFailureReconnects(t *testing.T) {
	attempts := 0
	fp := &fakeProvider{}
	fp.listFn = func(EventQuery) (EventPage, error) {
		attempts++
		if attempts <= 2 {
			return EventPage{}, errors.New("tls: handshake failure")
		}
		return eventsPage("evt-1"), nil
	}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10, BaseDelay: 500 * time.Millisecond})

	events, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, _, reconnects := fp.counts()
	assert.Equal(t, 2, reconnects, "each transport failure forces a reconnect")
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, *delays,
		"transport failures back off on the steep curve")
}

func TestGatewayContextCancellationIsNotRetried(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return EventPage{}, context.Canceled
	}}
	g, delays := newTestGateway(fp, Options{DailyQuota: 10})

	_, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.ErrorIs(t, err, ErrCallFailed)
	require.ErrorIs(t, err, context.Canceled)

	list, _, reconnects := fp.counts()
	assert.Equal(t, 1, list)
	assert.Equal(t, 0, reconnects)
	assert.Empty(t, *delays)
}

func TestGatewayQuotaExhaustedReadsFallBackToStale(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return eventsPage("evt-1"), nil
	}}
	g, _ := newTestGateway(fp, Options{DailyQuota: 1})
	ctx := context.Background()
	// A nanosecond TTL keeps the entry cacheable but already expired by the
	// time the next read checks it.
	opts := ReadOptions{Cacheable: true, TTL: time.Nanosecond}

	first, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 0, g.QuotaRemaining())

	stale, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err, "expired cache entry should still serve a quota-starved read")
	assert.Equal(t, first, stale)

	list, _, _ := fp.counts()
	assert.Equal(t, 1, list, "the stale read must not reach the provider")
}

func TestGatewayQuotaExhaustedWithoutCacheFails(t *testing.T) {
	fp := &fakeProvider{}
	g, _ := newTestGateway(fp, Options{DailyQuota: 1})
	ctx := context.Background()

	require.NoError(t, g.Ping(ctx), "spend the only unit")

	_, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax,
		ReadOptions{Cacheable: true, TTL: time.Minute})
	require.ErrorIs(t, err, ErrQuotaExceeded, "no cached value exists to fall back to")

	list, _, _ := fp.counts()
	assert.Equal(t, 0, list)
}

func TestGatewayQuotaExhaustedWritesFailHard(t *testing.T) {
	fp := &fakeProvider{}
	g, _ := newTestGateway(fp, Options{DailyQuota: 1})
	ctx := context.Background()

	require.NoError(t, g.Ping(ctx), "spend the only unit")

	_, err := g.InsertEvent(ctx, "berater-A", Event{Summary: "Beratung"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	_, insert, _ := fp.counts()
	assert.Equal(t, 0, insert, "writes must not reach the provider without quota")
}

func TestGatewayPaginationAccumulates(t *testing.T) {
	fp := &fakeProvider{}
	fp.listFn = func(q EventQuery) (EventPage, error) {
		switch q.PageToken {
		case "":
			p := eventsPage("evt-1", "evt-2")
			p.NextPageToken = "2"
			return p, nil
		case "2":
			return eventsPage("evt-3"), nil
		default:
			return EventPage{}, &ProviderError{Op: OpListEvents, StatusCode: 400, Message: "bad token"}
		}
	}
	g, _ := newTestGateway(fp, Options{DailyQuota: 10})

	events, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax,
		ReadOptions{Cacheable: true, TTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-3", events[2].ID)

	list, _, _ := fp.counts()
	assert.Equal(t, 2, list)
	assert.Equal(t, 8, g.QuotaRemaining(), "each page consumes one quota unit")

	// The accumulated listing is cached as a single entry.
	_, err = g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax,
		ReadOptions{Cacheable: true, TTL: time.Minute})
	require.NoError(t, err)
	list, _, _ = fp.counts()
	assert.Equal(t, 2, list)
}

func TestGatewayPaginationStopsAtPageCeiling(t *testing.T) {
	fp := &fakeProvider{}
	fp.listFn = func(q EventQuery) (EventPage, error) {
		p := eventsPage("evt")
		p.NextPageToken = "more"
		return p, nil
	}
	g, _ := newTestGateway(fp, Options{DailyQuota: 100, MaxPages: 3})

	events, err := g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, ReadOptions{})
	require.NoError(t, err, "hitting the ceiling truncates, it does not fail")
	assert.Len(t, events, 3)

	list, _, _ := fp.counts()
	assert.Equal(t, 3, list)
}

func TestGatewayCoalescesConcurrentReads(t *testing.T) {
	release := make(chan struct{})
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		<-release
		return eventsPage("evt-1"), nil
	}}
	g, _ := newTestGateway(fp, Options{DailyQuota: 100})
	opts := ReadOptions{Cacheable: true, TTL: time.Minute}

	const readers = 8
	var wg sync.WaitGroup
	errs := make([]error, readers)
	results := make([][]Event, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.ListEvents(context.Background(), "berater-A", listWindowMin, listWindowMax, opts)
		}(i)
	}
	close(release)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
	}
	list, _, _ := fp.counts()
	assert.Equal(t, 1, list, "concurrent identical reads must collapse into one provider call")
}

func TestGatewayInvalidateListingForcesRefetch(t *testing.T) {
	fp := &fakeProvider{listFn: func(EventQuery) (EventPage, error) {
		return eventsPage("evt-1"), nil
	}}
	g, _ := newTestGateway(fp, Options{DailyQuota: 10})
	ctx := context.Background()
	opts := ReadOptions{Cacheable: true, TTL: time.Hour}

	_, err := g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err)

	g.InvalidateListing(ctx, "berater-A", listWindowMin, listWindowMax)

	_, err = g.ListEvents(ctx, "berater-A", listWindowMin, listWindowMax, opts)
	require.NoError(t, err)

	list, _, _ := fp.counts()
	assert.Equal(t, 2, list, "invalidation must force the next read to the provider")
}

func TestGatewayDeleteEvent(t *testing.T) {
	fp := &fakeProvider{}
	g, _ := newTestGateway(fp, Options{DailyQuota: 10})

	require.NoError(t, g.DeleteEvent(context.Background(), "berater-A", "evt-1"))

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, 1, fp.deleteCalls)
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := cacheKey(OpListEvents, map[string]string{"calendarId": "x", "timeMin": "1", "timeMax": "2"})
	b := cacheKey(OpListEvents, map[string]string{"timeMax": "2", "timeMin": "1", "calendarId": "x"})
	assert.Equal(t, a, b, "parameter order must not change the key")

	c := cacheKey(OpListEvents, map[string]string{"calendarId": "y", "timeMin": "1", "timeMax": "2"})
	assert.NotEqual(t, a, c)
}
