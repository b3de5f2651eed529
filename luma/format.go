package luma

import (
	"fmt"
	"strings"
	"time"
)

// FilterToday keeps entries whose start date falls on the same calendar day
// as now, evaluated in now's location.
func FilterToday(entries []Entry, now time.Time) []Entry {
	var out []Entry
	for _, entry := range entries {
		start, err := time.Parse(time.RFC3339, entry.Event.StartAt)
		if err != nil {
			continue
		}
		if sameDay(start.In(now.Location()), now) {
			out = append(out, entry)
		}
	}
	return out
}

// FilterUpcoming keeps entries starting between the beginning of today and
// the end of the day `days` from now.
func FilterUpcoming(entries []Entry, days int, now time.Time) []Entry {
	loc := now.Location()
	from := startOfDay(now)
	until := startOfDay(now.AddDate(0, 0, days+1))

	var out []Entry
	for _, entry := range entries {
		start, err := time.Parse(time.RFC3339, entry.Event.StartAt)
		if err != nil {
			continue
		}
		local := start.In(loc)
		if !local.Before(from) && local.Before(until) {
			out = append(out, entry)
		}
	}
	return out
}

// SearchEntries keeps entries whose name or description contains the query,
// case-insensitively.
func SearchEntries(entries []Entry, query string) []Entry {
	q := strings.ToLower(query)

	var out []Entry
	for _, entry := range entries {
		if strings.Contains(strings.ToLower(entry.Event.Name), q) ||
			strings.Contains(strings.ToLower(entry.Event.Description), q) {
			out = append(out, entry)
		}
	}
	return out
}

// FormatEntry renders one event as a readable bullet point. Date labels are
// relative to now; clock times are shown in the event's own timezone.
func FormatEntry(entry Entry, now time.Time) string {
	event := entry.Event

	start, startErr := time.Parse(time.RFC3339, event.StartAt)
	end, endErr := time.Parse(time.RFC3339, event.EndAt)

	loc, err := time.LoadLocation(event.Timezone)
	if err != nil || event.Timezone == "" {
		loc = time.UTC
	}

	dateLabel := "Date unknown"
	timeRange := ""
	if startErr == nil {
		local := start.In(now.Location())
		dateLabel = local.Format("January 2, 2006")
		if sameDay(local, now) {
			dateLabel += " (Today)"
		} else if sameDay(local, now.AddDate(0, 0, 1)) {
			dateLabel += " (Tomorrow)"
		}

		startClock := start.In(loc).Format("3:04 PM")
		endClock := "?"
		if endErr == nil {
			endClock = end.In(loc).Format("3:04 PM")
		}
		timeRange = fmt.Sprintf("%s - %s %s", startClock, endClock, start.In(loc).Format("MST"))
	}

	var locationParts []string
	if event.GeoAddressInfo != nil && event.GeoAddressInfo.Address != "" {
		locationParts = append(locationParts, event.GeoAddressInfo.Address)
	}
	if event.LocationType != "" {
		locationParts = append(locationParts, "("+titleCaseFirst(event.LocationType)+")")
	}
	location := "Location TBD"
	if len(locationParts) > 0 {
		location = strings.Join(locationParts, " ")
	}

	var hostNames []string
	for _, h := range entry.Hosts {
		hostNames = append(hostNames, h.Name)
	}
	hosts := "No hosts listed"
	if len(hostNames) > 0 {
		hosts = strings.Join(hostNames, ", ")
	}

	tickets := "Ticket info unavailable"
	if entry.TicketInfo.IsFree {
		tickets = "Free"
	} else if entry.TicketInfo.Price != nil && *entry.TicketInfo.Price != "" {
		tickets = *entry.TicketInfo.Price
	}

	registrations := "No registrations yet"
	if entry.GuestCount > 0 {
		registrations = fmt.Sprintf("%d registered", entry.GuestCount)
	}

	return fmt.Sprintf(`- %s
  Event ID: %s
  Date: %s | Time: %s
  Location: %s
  Hosts: %s
  Tickets: %s | %s
  Link: https://lu.ma/%s`,
		event.Name, event.APIID, dateLabel, timeRange, location, hosts, tickets, registrations, event.URL)
}

// FormatEntries renders a bullet list, or emptyMessage when there is nothing
// to show.
func FormatEntries(entries []Entry, now time.Time, emptyMessage string) string {
	if len(entries) == 0 {
		return emptyMessage
	}

	parts := make([]string, 0, len(entries))
	for _, entry := range entries {
		parts = append(parts, FormatEntry(entry, now))
	}
	return strings.Join(parts, "\n\n")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func titleCaseFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
