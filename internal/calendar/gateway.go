package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"advisly/booking/internal/cache"
)

const (
	defaultDailyQuota  = 5000
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxPages    = 10
	defaultPageSize    = 250

	backoffServerFactor      = 2
	backoffRateLimitedFactor = 4
	backoffTransportFactor   = 4
)

// Request is one logical provider operation routed through the Gateway.
type Request struct {
	Op     string
	Params map[string]string
	Body   *Event

	// Cacheable reads are served from the store when fresh and may fall
	// back to a stale entry when the daily quota is exhausted. TTL bounds
	// the entry's freshness; a non-positive TTL disables caching, so the
	// call always reaches the provider.
	Cacheable bool
	TTL       time.Duration
}

// ReadOptions selects cache behavior for typed read helpers.
type ReadOptions struct {
	Cacheable bool
	TTL       time.Duration
}

// Options configures a Gateway.
type Options struct {
	// Store backs read caching. Defaults to an in-process store.
	Store cache.Store
	// DailyQuota caps executed provider calls per local day.
	DailyQuota int
	// MinInterval is the minimum spacing between executed provider calls.
	MinInterval time.Duration
	// MaxAttempts caps attempts per executed call, the first included.
	MaxAttempts int
	// BaseDelay seeds the backoff between retries.
	BaseDelay time.Duration
	// MaxPages caps how many pages one listing follows before truncating.
	MaxPages int
	// PageSize is the page size requested from the provider.
	PageSize int
	// Location anchors the quota's midnight reset.
	Location *time.Location
	Logger   *slog.Logger
}

// Gateway is the sole path to the calendar provider. Consumers describe the
// operation; the Gateway decides whether it runs, when it runs, how often
// it is retried, and whether the result comes from cache instead.
type Gateway struct {
	provider Provider
	store    cache.Store
	quota    *quota
	limiter  *rate.Limiter
	flight   singleflight.Group

	maxAttempts int
	baseDelay   time.Duration
	maxPages    int
	pageSize    int

	log   *slog.Logger
	sleep func(context.Context, time.Duration) error
}

func NewGateway(provider Provider, opts Options) *Gateway {
	store := opts.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	dailyQuota := opts.DailyQuota
	if dailyQuota <= 0 {
		dailyQuota = defaultDailyQuota
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		provider:    provider,
		store:       store,
		quota:       newQuota(dailyQuota, opts.Location, nil),
		limiter:     limiter,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxPages:    maxPages,
		pageSize:    pageSize,
		log:         log.With(slog.String("component", "calendar_gateway")),
		sleep:       sleepContext,
	}
}

// Call routes one logical operation and returns its raw JSON payload.
//
// Cacheable reads check the store first; concurrent misses on the same key
// are coalesced into a single provider fetch. Non-cacheable requests and
// writes go straight to the provider.
func (g *Gateway) Call(ctx context.Context, req Request) ([]byte, error) {
	if !req.Cacheable || req.TTL <= 0 {
		return g.fetch(ctx, req)
	}

	key := cacheKey(req.Op, req.Params)
	if v, ok := g.store.Get(ctx, key); ok {
		g.log.Debug("cache hit", slog.String("op", req.Op), slog.String("key", key))
		return v, nil
	}

	v, err, shared := g.flight.Do(key, func() (any, error) {
		// A concurrent flight may have filled the entry while this caller
		// queued for the flight lock.
		if v, ok := g.store.Get(ctx, key); ok {
			return v, nil
		}

		payload, err := g.fetch(ctx, req)
		if err != nil {
			if isQuotaExceeded(err) {
				if stale, ok, expired := g.store.GetStale(ctx, key); ok {
					g.log.Warn("quota exhausted, serving last cached value",
						slog.String("op", req.Op),
						slog.String("key", key),
						slog.Bool("expired", expired))
					return stale, nil
				}
			}
			return nil, err
		}
		if err := g.store.Set(ctx, key, payload, req.TTL); err != nil {
			g.log.Warn("cache write failed", slog.String("op", req.Op), slog.String("key", key), slog.Any("error", err))
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.log.Debug("coalesced duplicate read", slog.String("op", req.Op), slog.String("key", key))
	}
	return v.([]byte), nil
}

// fetch executes one logical operation against the provider.
func (g *Gateway) fetch(ctx context.Context, req Request) ([]byte, error) {
	switch req.Op {
	case OpListEvents:
		return g.fetchEventPages(ctx, req)
	case OpInsertEvent:
		return g.fetchOnce(ctx, req.Op, func(ctx context.Context) (any, error) {
			return g.provider.InsertEvent(ctx, req.Params["calendarId"], *req.Body)
		})
	case OpUpdateEvent:
		return g.fetchOnce(ctx, req.Op, func(ctx context.Context) (any, error) {
			return g.provider.UpdateEvent(ctx, req.Params["calendarId"], req.Params["eventId"], *req.Body)
		})
	case OpDeleteEvent:
		return g.fetchOnce(ctx, req.Op, func(ctx context.Context) (any, error) {
			return nil, g.provider.DeleteEvent(ctx, req.Params["calendarId"], req.Params["eventId"])
		})
	case OpPing:
		return g.fetchOnce(ctx, req.Op, func(ctx context.Context) (any, error) {
			return nil, g.provider.Ping(ctx)
		})
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrCallFailed, req.Op)
	}
}

// fetchOnce admits and executes a single-round-trip operation.
func (g *Gateway) fetchOnce(ctx context.Context, op string, fn func(context.Context) (any, error)) ([]byte, error) {
	if err := g.admit(ctx, op); err != nil {
		return nil, err
	}
	res, err := g.withRetry(ctx, op, fn)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

// fetchEventPages follows the listing's continuation token, admitting each
// page as its own provider call, and returns the accumulated events.
func (g *Gateway) fetchEventPages(ctx context.Context, req Request) ([]byte, error) {
	calendarID := req.Params["calendarId"]
	timeMin, err := time.Parse(time.RFC3339, req.Params["timeMin"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad timeMin %q", ErrCallFailed, req.Op, req.Params["timeMin"])
	}
	timeMax, err := time.Parse(time.RFC3339, req.Params["timeMax"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad timeMax %q", ErrCallFailed, req.Op, req.Params["timeMax"])
	}

	q := EventQuery{
		TimeMin:      timeMin,
		TimeMax:      timeMax,
		MaxResults:   g.pageSize,
		SingleEvents: true,
	}

	events := []Event{}
	for page := 1; ; page++ {
		if err := g.admit(ctx, req.Op); err != nil {
			return nil, err
		}
		res, err := g.withRetry(ctx, req.Op, func(ctx context.Context) (any, error) {
			return g.provider.ListEvents(ctx, calendarID, q)
		})
		if err != nil {
			return nil, err
		}

		ep := res.(EventPage)
		events = append(events, ep.Events...)
		if ep.NextPageToken == "" {
			break
		}
		if page >= g.maxPages {
			g.log.Warn("page ceiling reached, truncating listing",
				slog.String("calendar_id", calendarID),
				slog.Int("pages", page),
				slog.Int("events", len(events)))
			break
		}
		q.PageToken = ep.NextPageToken
	}
	return json.Marshal(events)
}

// admit spends one quota unit and waits out the call spacing. It is called
// once per executed provider call; retries of that call do not re-admit.
func (g *Gateway) admit(ctx context.Context, op string) error {
	if !g.quota.tryConsume() {
		g.log.Warn("daily quota exhausted", slog.String("op", op))
		return ErrQuotaExceeded
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	return nil
}

// withRetry runs fn up to the attempt ceiling. Failure classes choose the
// backoff curve; transport failures additionally reset the provider
// connection before the next attempt.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				g.log.Info("provider call recovered", slog.String("op", op), slog.Int("attempt", attempt))
			}
			return res, nil
		}
		lastErr = err

		class := classify(err)
		if class == failPermanent {
			g.log.Error("provider call failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return nil, fmt.Errorf("%w: %s: %w", ErrCallFailed, op, err)
		}
		if attempt == g.maxAttempts {
			break
		}
		if class == failTransport {
			g.provider.Reconnect()
		}

		delay := g.backoff(class, attempt)
		g.log.Warn("provider call failed, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := g.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s: backoff interrupted: %w", op, err)
		}
	}
	g.log.Error("provider call failed after retries",
		slog.String("op", op),
		slog.Int("attempts", g.maxAttempts),
		slog.Any("error", lastErr))
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrCallFailed, op, g.maxAttempts, lastErr)
}

// backoff returns the delay after the failures-th failed attempt. Each
// class grows exponentially from the shared base, so successive delays for
// one call strictly increase.
func (g *Gateway) backoff(class failureClass, failures int) time.Duration {
	factor := time.Duration(backoffServerFactor)
	switch class {
	case failRateLimited:
		factor = backoffRateLimitedFactor
	case failTransport:
		factor = backoffTransportFactor
	}

	delay := g.baseDelay
	for i := 1; i < failures; i++ {
		delay *= factor
	}
	return delay
}

func isQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// QuotaRemaining reports how many provider calls today's budget still
// allows.
func (g *Gateway) QuotaRemaining() int {
	return g.quota.remaining()
}

// Invalidate drops the cached result of one logical read.
func (g *Gateway) Invalidate(ctx context.Context, op string, params map[string]string) {
	key := cacheKey(op, params)
	if err := g.store.Delete(ctx, key); err != nil {
		g.log.Warn("cache invalidation failed", slog.String("op", op), slog.String("key", key), slog.Any("error", err))
	}
}

// InvalidateListing drops the cached event listing for one window.
func (g *Gateway) InvalidateListing(ctx context.Context, calendarID string, timeMin, timeMax time.Time) {
	g.Invalidate(ctx, OpListEvents, listParams(calendarID, timeMin, timeMax))
}

// ListEvents returns every event overlapping [timeMin, timeMax), following
// pagination up to the page ceiling.
func (g *Gateway) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, opts ReadOptions) ([]Event, error) {
	payload, err := g.Call(ctx, Request{
		Op:        OpListEvents,
		Params:    listParams(calendarID, timeMin, timeMax),
		Cacheable: opts.Cacheable,
		TTL:       opts.TTL,
	})
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("%s: decode payload: %w", OpListEvents, err)
	}
	return events, nil
}

// InsertEvent creates an event. Writes are never cached and never fall
// back: with the quota exhausted they fail with ErrQuotaExceeded.
func (g *Gateway) InsertEvent(ctx context.Context, calendarID string, ev Event) (Event, error) {
	payload, err := g.Call(ctx, Request{
		Op:     OpInsertEvent,
		Params: map[string]string{"calendarId": calendarID},
		Body:   &ev,
	})
	if err != nil {
		return Event{}, err
	}
	var created Event
	if err := json.Unmarshal(payload, &created); err != nil {
		return Event{}, fmt.Errorf("%s: decode payload: %w", OpInsertEvent, err)
	}
	return created, nil
}

// UpdateEvent replaces an event.
func (g *Gateway) UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (Event, error) {
	payload, err := g.Call(ctx, Request{
		Op:     OpUpdateEvent,
		Params: map[string]string{"calendarId": calendarID, "eventId": eventID},
		Body:   &ev,
	})
	if err != nil {
		return Event{}, err
	}
	var updated Event
	if err := json.Unmarshal(payload, &updated); err != nil {
		return Event{}, fmt.Errorf("%s: decode payload: %w", OpUpdateEvent, err)
	}
	return updated, nil
}

// DeleteEvent removes an event.
func (g *Gateway) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	_, err := g.Call(ctx, Request{
		Op:     OpDeleteEvent,
		Params: map[string]string{"calendarId": calendarID, "eventId": eventID},
	})
	return err
}

// Ping verifies provider reachability through the full admission path.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.Call(ctx, Request{Op: OpPing})
	return err
}

func listParams(calendarID string, timeMin, timeMax time.Time) map[string]string {
	return map[string]string{
		"calendarId": calendarID,
		"timeMin":    timeMin.UTC().Format(time.RFC3339),
		"timeMax":    timeMax.UTC().Format(time.RFC3339),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
