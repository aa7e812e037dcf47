package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const defaultHTTPTimeout = 15 * time.Second

// ClientOptions configures the HTTP provider client.
type ClientOptions struct {
	// BaseURL is the provider API root, e.g.
	// "https://www.googleapis.com/calendar/v3".
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token string
	// Timeout bounds one HTTP round trip. Zero means a sensible default.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to a Google-Calendar-shaped HTTP API. It performs exactly
// one round trip per call and does no retrying of its own.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	log     *slog.Logger

	mu sync.RWMutex
	hc *http.Client
}

var _ Provider = (*Client)(nil)

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		timeout: timeout,
		log:     log.With(slog.String("component", "calendar_client")),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Reconnect drops the current HTTP client, closing its idle connections, so
// the next call dials and handshakes from scratch. Used after transport or
// TLS failures where a pooled connection may be poisoned.
func (c *Client) Reconnect() {
	c.mu.Lock()
	old := c.hc
	c.hc = &http.Client{Timeout: c.timeout}
	c.mu.Unlock()

	old.CloseIdleConnections()
	c.log.Debug("provider transport reset")
}

func (c *Client) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hc
}

func (c *Client) ListEvents(ctx context.Context, calendarID string, q EventQuery) (EventPage, error) {
	query := url.Values{}
	if !q.TimeMin.IsZero() {
		query.Set("timeMin", q.TimeMin.Format(time.RFC3339))
	}
	if !q.TimeMax.IsZero() {
		query.Set("timeMax", q.TimeMax.Format(time.RFC3339))
	}
	if q.SingleEvents {
		query.Set("singleEvents", "true")
	}
	if q.MaxResults > 0 {
		query.Set("maxResults", strconv.Itoa(q.MaxResults))
	}
	if q.PageToken != "" {
		query.Set("pageToken", q.PageToken)
	}

	var page EventPage
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), query.Encode())
	if err := c.do(ctx, OpListEvents, http.MethodGet, path, nil, &page); err != nil {
		return EventPage{}, err
	}
	return page, nil
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev Event) (Event, error) {
	var created Event
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := c.do(ctx, OpInsertEvent, http.MethodPost, path, &ev, &created); err != nil {
		return Event{}, err
	}
	return created, nil
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (Event, error) {
	var updated Event
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := c.do(ctx, OpUpdateEvent, http.MethodPut, path, &ev, &updated); err != nil {
		return Event{}, err
	}
	return updated, nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, OpDeleteEvent, http.MethodDelete, path, nil, nil)
}

// Ping fetches the primary calendar resource, the cheapest authenticated
// round trip the API offers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, OpPing, http.MethodGet, "/calendars/primary", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s: round trip", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    readAPIError(resp.Body),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

// readAPIError extracts the provider's error message, which arrives as
// {"error": {"code": ..., "message": ...}}.
func readAPIError(r io.Reader) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}
