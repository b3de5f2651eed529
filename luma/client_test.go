package luma

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testCalendarID = "cal-test123"

func calendarPayload() CalendarResponse {
	return CalendarResponse{Entries: []Entry{
		{Event: Event{APIID: "evt-1", Name: "Yoga", StartAt: "2025-06-15T01:00:00Z", EndAt: "2025-06-15T02:00:00Z", URL: "yoga"}},
		{Event: Event{APIID: "evt-2", Name: "Dinner", StartAt: "2025-06-16T10:00:00Z", EndAt: "2025-06-16T12:00:00Z", URL: "dinner"}},
	}}
}

func TestFetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendar/get-items" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("calendar_api_id") != testCalendarID {
			t.Errorf("calendar_api_id = %q", q.Get("calendar_api_id"))
		}
		if q.Get("period") != "future" || q.Get("pagination_limit") != "20" {
			t.Errorf("unexpected query: %v", q)
		}
		_ = json.NewEncoder(w).Encode(calendarPayload())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCalendarID)
	res, err := c.FetchEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Event.APIID != "evt-1" {
		t.Errorf("unexpected entries: %+v", res.Entries)
	}
}

func TestFetchEventsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCalendarID)
	_, err := c.FetchEvents(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestRegisterUnknownEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(calendarPayload())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCalendarID)
	_, err := c.Register(context.Background(), RegisterParams{EventAPIID: "evt-nope", Name: "Alice", Email: "a@example.com"})
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestRegisterSelectsFirstTicketType(t *testing.T) {
	cents := int64(1500)
	var gotBody registerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calendar/get-items":
			_ = json.NewEncoder(w).Encode(calendarPayload())
		case "/event/get":
			if r.URL.Query().Get("event_api_id") != "evt-1" {
				t.Errorf("event_api_id = %q", r.URL.Query().Get("event_api_id"))
			}
			var detail EventDetail
			detail.Event.APIID = "evt-1"
			detail.Event.EventTicketTypes = []TicketType{
				{APIID: "tt-1", Name: "General", Type: "paid", Cents: &cents},
				{APIID: "tt-2", Name: "VIP", Type: "paid"},
			}
			_ = json.NewEncoder(w).Encode(detail)
		case "/event/register":
			if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
				t.Errorf("decode register body: %v", err)
			}
			_ = json.NewEncoder(w).Encode(RegistrationResponse{
				ApprovalStatus: "approved",
				Email:          "a@example.com",
				RSVPAPIID:      "rsvp-1",
				TicketKey:      "key-1",
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCalendarID)
	res, err := c.Register(context.Background(), RegisterParams{
		EventAPIID: "evt-1",
		Name:       "Alice",
		Email:      "a@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ApprovalStatus != "approved" || res.RSVPAPIID != "rsvp-1" {
		t.Errorf("unexpected response: %+v", res)
	}

	sel, ok := gotBody.TicketTypeToSelection["tt-1"]
	if !ok {
		t.Fatalf("first ticket type not selected: %+v", gotBody.TicketTypeToSelection)
	}
	if sel.Count != 1 || sel.Amount != 1500 {
		t.Errorf("selection = %+v", sel)
	}
	if gotBody.Timezone != "Asia/Kuala_Lumpur" {
		t.Errorf("timezone = %q, want default", gotBody.Timezone)
	}
	if gotBody.OpenedFrom.Source != "calendar" || gotBody.OpenedFrom.CalendarAPIID != testCalendarID {
		t.Errorf("opened_from = %+v", gotBody.OpenedFrom)
	}
}

func TestRegisterToleratesDetailFailure(t *testing.T) {
	var gotBody registerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calendar/get-items":
			_ = json.NewEncoder(w).Encode(calendarPayload())
		case "/event/get":
			http.Error(w, "nope", http.StatusInternalServerError)
		case "/event/register":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(RegistrationResponse{ApprovalStatus: "approved"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCalendarID)
	if _, err := c.Register(context.Background(), RegisterParams{EventAPIID: "evt-1", Name: "A", Email: "a@example.com", Timezone: "UTC"}); err != nil {
		t.Fatalf("register should survive a detail failure: %v", err)
	}
	if len(gotBody.TicketTypeToSelection) != 0 {
		t.Errorf("selection should be empty: %+v", gotBody.TicketTypeToSelection)
	}
	if gotBody.Timezone != "UTC" {
		t.Errorf("timezone = %q", gotBody.Timezone)
	}
}
