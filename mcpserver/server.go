// Package mcpserver assembles the MCP server: event tools backed by the
// Luma client, wiki search, and one resource per wiki page. The same server
// instance is shared by every transport front-end.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/networkschool/events-mcp/internal/logctx"
	"github.com/networkschool/events-mcp/luma"
	"github.com/networkschool/events-mcp/wiki"
)

const (
	serverName    = "network-school-events"
	serverVersion = "1.0.0"

	defaultUpcomingDays = 7
	defaultTimezone     = "Asia/Kuala_Lumpur"
)

const instructions = `Network School events and wiki. Use the event tools to list, search,
and register for events on the community calendar, and the wiki tools and
resources for practical information (visas, internet, food, getting started).`

// Deps are the collaborators the server is assembled from.
type Deps struct {
	Luma *luma.Client
	Wiki *wiki.Library
	Log  *slog.Logger

	// OnInitialized fires when a session completes the protocol handshake,
	// carrying the session identifier.
	OnInitialized func(sessionID string)
}

// New builds the MCP server with all tools and wiki resources registered.
func New(deps Deps) *mcp.Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &service{luma: deps.Luma, wiki: deps.Wiki, log: log}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: instructions,
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			if req == nil || req.Session == nil {
				return
			}
			log.InfoContext(ctx, "session.initialized", slog.String("session_id", req.Session.ID()))
			if deps.OnInitialized != nil {
				deps.OnInitialized(req.Session.ID())
			}
		},
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_todays_events",
		Description: "Get all Network School events happening today",
	}, s.handleTodaysEvents)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_upcoming_events",
		Description: "Get Network School events happening in the next N days",
	}, s.handleUpcomingEvents)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_events",
		Description: "Search Network School events by name or description",
	}, s.handleSearchEvents)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "register_for_event",
		Description: "Register for a Network School event using the event ID from the event listing",
	}, s.handleRegisterForEvent)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_wiki",
		Description: "Search the Network School wiki for information about visas, internet, food, getting started, and more",
	}, s.handleSearchWiki)

	s.syncWikiResources(srv)
	if deps.Wiki != nil {
		deps.Wiki.OnChange(func() { s.syncWikiResources(srv) })
	}

	return srv
}

type service struct {
	luma *luma.Client
	wiki *wiki.Library
	log  *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

type emptyInput struct{}

func (s *service) handleTodaysEvents(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "get_todays_events"})

	res, err := s.luma.FetchEvents(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	entries := luma.FilterToday(res.Entries, now)
	return textResult(luma.FormatEntries(entries, now, "No events scheduled for today.")), nil, nil
}

type upcomingEventsInput struct {
	Days int `json:"days,omitempty" jsonschema:"Number of days to look ahead (default: 7)"`
}

func (s *service) handleUpcomingEvents(ctx context.Context, _ *mcp.CallToolRequest, input upcomingEventsInput) (*mcp.CallToolResult, any, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "get_upcoming_events"})

	days := input.Days
	if days == 0 {
		days = defaultUpcomingDays
	}
	if days < 1 {
		return errorResult("Error: days parameter must be a positive number"), nil, nil
	}

	res, err := s.luma.FetchEvents(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	entries := luma.FilterUpcoming(res.Entries, days, now)
	empty := fmt.Sprintf("No events scheduled in the next %d day%s.", days, plural(days))
	return textResult(luma.FormatEntries(entries, now, empty)), nil, nil
}

type searchEventsInput struct {
	Query string `json:"query" jsonschema:"Search query string"`
}

func (s *service) handleSearchEvents(ctx context.Context, _ *mcp.CallToolRequest, input searchEventsInput) (*mcp.CallToolResult, any, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "search_events"})

	if input.Query == "" {
		return errorResult("Error: query parameter is required and must be a string"), nil, nil
	}

	res, err := s.luma.FetchEvents(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	entries := luma.SearchEntries(res.Entries, input.Query)
	empty := fmt.Sprintf("No events found matching %q.", input.Query)
	return textResult(luma.FormatEntries(entries, now, empty)), nil, nil
}

type registerForEventInput struct {
	EventID     string `json:"event_id" jsonschema:"The event API ID (e.g., evt-xxx) from the event listing"`
	Name        string `json:"name" jsonschema:"Full name for registration"`
	Email       string `json:"email" jsonschema:"Email address for registration"`
	PhoneNumber string `json:"phone_number,omitempty" jsonschema:"Phone number (optional)"`
	Timezone    string `json:"timezone,omitempty" jsonschema:"Timezone (default: Asia/Kuala_Lumpur)"`
}

func (s *service) handleRegisterForEvent(ctx context.Context, _ *mcp.CallToolRequest, input registerForEventInput) (*mcp.CallToolResult, any, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "register_for_event", UserEmail: input.Email})

	if input.EventID == "" {
		return errorResult("Error: event_id parameter is required and must be a string"), nil, nil
	}
	if input.Name == "" {
		return errorResult("Error: name parameter is required and must be a string"), nil, nil
	}
	if input.Email == "" {
		return errorResult("Error: email parameter is required and must be a string"), nil, nil
	}

	tz := input.Timezone
	if tz == "" {
		tz = defaultTimezone
	}

	reg, err := s.luma.Register(ctx, luma.RegisterParams{
		EventAPIID:  input.EventID,
		Name:        input.Name,
		Email:       input.Email,
		PhoneNumber: input.PhoneNumber,
		Timezone:    tz,
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.InfoContext(ctx, "event.register.ok",
		slog.String("event_id", input.EventID),
		slog.String("status", reg.ApprovalStatus),
	)

	var ticketLine string
	if len(reg.EventTickets) > 0 {
		info := reg.EventTickets[0].EventTicketTypeInfo
		ticketLine = fmt.Sprintf("\nTicket Type: %s (%s)\n", info.Name, info.Type)
	}

	msg := fmt.Sprintf(`Successfully registered for the event!

Registration Details:
- Name: %s
- Email: %s
- Status: %s
- Ticket Key: %s
- RSVP ID: %s
%s
You should receive a confirmation email at %s.`,
		input.Name, reg.Email, reg.ApprovalStatus, reg.TicketKey, reg.RSVPAPIID, ticketLine, reg.Email)

	return textResult(msg), nil, nil
}

type searchWikiInput struct {
	Query string `json:"query" jsonschema:"Search query (e.g. wifi password, visa, breakfast, sim card)"`
}

func (s *service) handleSearchWiki(_ context.Context, _ *mcp.CallToolRequest, input searchWikiInput) (*mcp.CallToolResult, any, error) {
	if input.Query == "" {
		return errorResult("Error: query parameter is required and must be a string"), nil, nil
	}

	results := s.wiki.Search(input.Query)
	if len(results) == 0 {
		return textResult(fmt.Sprintf("No wiki pages found matching %q.", input.Query)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d wiki page%s matching %q:\n\n", len(results), plural(len(results)), input.Query)
	for i, result := range results {
		matchWord := "match"
		if result.Matches != 1 {
			matchWord = "matches"
		}
		fmt.Fprintf(&b, "**%d. %s** (%d %s)\n\n", i+1, wiki.TitleFromSlug(result.Page), result.Matches, matchWord)
		b.WriteString(result.Content)
		b.WriteString("\n\n---\n\n")
	}
	return textResult(strings.TrimSpace(b.String())), nil, nil
}

// syncWikiResources reconciles the server's resource registrations with the
// library's current page set. It runs at construction and again after every
// wiki reload, so created pages appear and deleted pages drop out of
// listings.
func (s *service) syncWikiResources(srv *mcp.Server) {
	if s.wiki == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered == nil {
		s.registered = map[string]bool{}
	}

	current := map[string]bool{}
	for _, res := range s.wiki.Resources() {
		current[res.URI] = true
		if s.registered[res.URI] {
			continue
		}
		srv.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MIMEType,
		}, s.handleWikiResource)
		s.registered[res.URI] = true
	}

	var stale []string
	for uri := range s.registered {
		if !current[uri] {
			stale = append(stale, uri)
		}
	}
	if len(stale) > 0 {
		srv.RemoveResources(stale...)
		for _, uri := range stale {
			delete(s.registered, uri)
		}
	}
}

func (s *service) handleWikiResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := ""
	if req != nil && req.Params != nil {
		uri = req.Params.URI
	}
	if !wiki.IsWikiURI(uri) {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	content, err := s.wiki.Read(uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     content,
		}},
	}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}, IsError: true}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
