// Package luma is a client for the public Luma calendar API plus the
// filtering and formatting helpers the event tools are built on.
package luma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrEventNotFound is returned when a registration names an event id that is
// not on the calendar.
var ErrEventNotFound = errors.New("event not found")

// APIError carries a non-2xx response from the Luma API.
type APIError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *APIError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("luma api: %s - %s", e.Status, string(e.Body))
	}
	return fmt.Sprintf("luma api: %s", e.Status)
}

// Client talks to the Luma API for a single calendar.
type Client struct {
	baseURL    string
	calendarID string
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the client logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a Client for the given API origin and calendar.
func NewClient(baseURL, calendarID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		calendarID: calendarID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchEvents lists the calendar's future events, newest page only.
func (c *Client) FetchEvents(ctx context.Context) (*CalendarResponse, error) {
	q := url.Values{}
	q.Set("calendar_api_id", c.calendarID)
	q.Set("pagination_limit", "20")
	q.Set("period", "future")

	var out CalendarResponse
	if err := c.getJSON(ctx, "/calendar/get-items?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return &out, nil
}

// GetEvent fetches a single event's detail, including its ticket types.
func (c *Client) GetEvent(ctx context.Context, eventAPIID string) (*EventDetail, error) {
	q := url.Values{}
	q.Set("event_api_id", eventAPIID)

	var out EventDetail
	if err := c.getJSON(ctx, "/event/get?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetch event details: %w", err)
	}
	return &out, nil
}

// RegisterParams are the caller-supplied inputs for an event registration.
type RegisterParams struct {
	EventAPIID  string
	Name        string
	Email       string
	PhoneNumber string
	Timezone    string
}

// Register signs the attendee up for an event. The event must exist on the
// calendar; the first available ticket type is selected when the detail
// lookup succeeds, and registration proceeds without a selection when it
// does not.
func (c *Client) Register(ctx context.Context, params RegisterParams) (*RegistrationResponse, error) {
	events, err := c.FetchEvents(ctx)
	if err != nil {
		return nil, err
	}

	found := false
	for _, entry := range events.Entries {
		if entry.Event.APIID == params.EventAPIID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, params.EventAPIID)
	}

	selection := map[string]ticketSelection{}
	if detail, err := c.GetEvent(ctx, params.EventAPIID); err != nil {
		c.log.WarnContext(ctx, "luma.event_detail.fail", slog.String("err", err.Error()))
	} else if types := detail.Event.EventTicketTypes; len(types) > 0 {
		var amount int64
		if types[0].Cents != nil {
			amount = *types[0].Cents
		}
		selection[types[0].APIID] = ticketSelection{Count: 1, Amount: amount}
	}

	tz := params.Timezone
	if tz == "" {
		tz = "Asia/Kuala_Lumpur"
	}

	body := registerRequest{
		Name:                  params.Name,
		Email:                 params.Email,
		EventAPIID:            params.EventAPIID,
		Timezone:              tz,
		PhoneNumber:           params.PhoneNumber,
		RegistrationAnswers:   []any{},
		TicketTypeToSelection: selection,
		OpenedFrom: openedFrom{
			Source:        "calendar",
			CalendarAPIID: c.calendarID,
		},
	}

	var out RegistrationResponse
	if err := c.postJSON(ctx, "/event/register", body, &out); err != nil {
		return nil, fmt.Errorf("register for event: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{StatusCode: res.StatusCode, Status: res.Status, Body: body}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
