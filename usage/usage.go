// Package usage accumulates per-user and global tool-call counters. Counters
// are purely additive and volatile; they exist for the /stats endpoint and
// are mirrored into a prometheus registry for /metrics.
package usage

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type userUsage struct {
	toolCalls  map[string]int
	totalCalls int
	lastCall   time.Time
}

// Tracker is the process-wide usage aggregator.
type Tracker struct {
	mu        sync.Mutex
	perUser   map[string]*userUsage
	total     int
	breakdown map[string]int
	startedAt time.Time

	registry  *prometheus.Registry
	toolCalls *prometheus.CounterVec
	logins    prometheus.Counter
}

// NewTracker builds an empty Tracker with its own prometheus registry.
func NewTracker() *Tracker {
	t := &Tracker{
		perUser:   map[string]*userUsage{},
		breakdown: map[string]int{},
		startedAt: time.Now(),
		registry:  prometheus.NewRegistry(),
	}
	t.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_tool_calls_total",
		Help: "Tool invocations observed by the dispatcher, by tool name.",
	}, []string{"tool"})
	t.logins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_logins_total",
		Help: "Completed login flows that resulted in an authorization code.",
	})
	t.registry.MustRegister(t.toolCalls, t.logins)
	return t
}

// RecordLogin counts one completed login.
func (t *Tracker) RecordLogin() {
	t.logins.Inc()
}

// Record counts one tool invocation for a user. Exactly one call per inbound
// message; the dispatcher is the only caller.
func (t *Tracker) Record(email, tool string) {
	now := time.Now()

	t.mu.Lock()
	u, ok := t.perUser[email]
	if !ok {
		u = &userUsage{toolCalls: map[string]int{}}
		t.perUser[email] = u
	}
	u.toolCalls[tool]++
	u.totalCalls++
	u.lastCall = now

	t.total++
	t.breakdown[tool]++
	t.mu.Unlock()

	t.toolCalls.WithLabelValues(tool).Inc()
}

// GlobalSnapshot is the global section of /stats.
type GlobalSnapshot struct {
	TotalToolCalls int            `json:"totalToolCalls"`
	ToolBreakdown  map[string]int `json:"toolBreakdown"`
	StartedAt      string         `json:"startedAt"`
}

// UserSnapshot is one user's row in /stats.
type UserSnapshot struct {
	Email         string         `json:"email"`
	TotalCalls    int            `json:"totalCalls"`
	LastCall      string         `json:"lastCall"`
	ToolBreakdown map[string]int `json:"toolBreakdown"`
}

// Global returns a copy of the global counters.
func (t *Tracker) Global() GlobalSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	breakdown := make(map[string]int, len(t.breakdown))
	for k, v := range t.breakdown {
		breakdown[k] = v
	}
	return GlobalSnapshot{
		TotalToolCalls: t.total,
		ToolBreakdown:  breakdown,
		StartedAt:      t.startedAt.UTC().Format(time.RFC3339),
	}
}

// Users returns per-user usage rows sorted by email.
func (t *Tracker) Users() []UserSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]UserSnapshot, 0, len(t.perUser))
	for email, u := range t.perUser {
		breakdown := make(map[string]int, len(u.toolCalls))
		for k, v := range u.toolCalls {
			breakdown[k] = v
		}
		out = append(out, UserSnapshot{
			Email:         email,
			TotalCalls:    u.totalCalls,
			LastCall:      u.lastCall.UTC().Format(time.RFC3339),
			ToolBreakdown: breakdown,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Registerer exposes the underlying registry so callers can attach gauges
// (session counts and the like) that belong on the same /metrics page.
func (t *Tracker) Registerer() prometheus.Registerer {
	return t.registry
}

// MetricsHandler serves the tracker's registry in the prometheus exposition
// format.
func (t *Tracker) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
