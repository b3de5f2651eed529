package usage

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordAndSnapshots(t *testing.T) {
	tr := NewTracker()

	tr.Record("alice@example.com", "get_todays_events")
	tr.Record("alice@example.com", "get_todays_events")
	tr.Record("alice@example.com", "search_wiki")
	tr.Record("bob@example.com", "register_for_event")

	global := tr.Global()
	if global.TotalToolCalls != 4 {
		t.Errorf("TotalToolCalls = %d, want 4", global.TotalToolCalls)
	}
	if global.ToolBreakdown["get_todays_events"] != 2 {
		t.Errorf("breakdown = %v", global.ToolBreakdown)
	}
	if global.StartedAt == "" {
		t.Error("StartedAt empty")
	}

	users := tr.Users()
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
	if users[0].Email != "alice@example.com" || users[1].Email != "bob@example.com" {
		t.Errorf("not sorted by email: %v, %v", users[0].Email, users[1].Email)
	}
	if users[0].TotalCalls != 3 || users[0].ToolBreakdown["search_wiki"] != 1 {
		t.Errorf("alice row = %+v", users[0])
	}
	if users[0].LastCall == "" {
		t.Error("LastCall empty")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	tr := NewTracker()
	tr.Record("alice@example.com", "search_wiki")

	global := tr.Global()
	global.ToolBreakdown["search_wiki"] = 99

	if tr.Global().ToolBreakdown["search_wiki"] != 1 {
		t.Error("mutating a snapshot leaked into the tracker")
	}
}

func TestMetricsHandler(t *testing.T) {
	tr := NewTracker()
	tr.Record("alice@example.com", "get_upcoming_events")

	rec := httptest.NewRecorder()
	tr.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "mcp_tool_calls_total") {
		t.Errorf("exposition missing counter:\n%s", body)
	}
	if !strings.Contains(body, `tool="get_upcoming_events"`) {
		t.Errorf("exposition missing label:\n%s", body)
	}
}

func TestRegistererAcceptsGauges(t *testing.T) {
	tr := NewTracker()

	tr.Registerer().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "test_sessions_active",
		Help: "test gauge",
	}, func() float64 { return 2 }))

	rec := httptest.NewRecorder()
	tr.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_sessions_active 2") {
		t.Errorf("gauge missing:\n%s", rec.Body.String())
	}
}
