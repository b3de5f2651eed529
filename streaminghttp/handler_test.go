package streaminghttp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/networkschool/events-mcp/luma"
	"github.com/networkschool/events-mcp/mcpserver"
	"github.com/networkschool/events-mcp/oauth"
	"github.com/networkschool/events-mcp/sessions"
	"github.com/networkschool/events-mcp/usage"
	"github.com/networkschool/events-mcp/wiki"
)

type testEnv struct {
	handler  *Handler
	store    *oauth.Store
	registry *sessions.Registry
	tracker  *usage.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(luma.CalendarResponse{})
	}))
	t.Cleanup(upstream.Close)

	lib, err := wiki.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lib.Close() })

	store := oauth.NewStore()
	manager := oauth.NewManager(store, oauth.WithBaseURL("http://events.test"))

	var registry *sessions.Registry
	srv := mcpserver.New(mcpserver.Deps{
		Luma: luma.NewClient(upstream.URL, "cal-test"),
		Wiki: lib,
		OnInitialized: func(sessionID string) {
			registry.MarkActive(sessionID)
		},
	})
	registry = sessions.NewRegistry(srv)
	t.Cleanup(registry.CloseAll)

	tracker := usage.NewTracker()
	handler, err := New(manager, registry, tracker)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{handler: handler, store: store, registry: registry, tracker: tracker}
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	e.store.UpsertUser("alice@example.com", "Alice")
	token, _, err := e.store.IssueToken("alice@example.com", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func rpcErrorCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestPostMCPWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer ") {
		t.Errorf("challenge = %q", challenge)
	}
	if !strings.Contains(challenge, "resource_metadata=") {
		t.Errorf("challenge missing resource_metadata: %q", challenge)
	}
	if code := rpcErrorCode(t, rec); code != -32000 {
		t.Errorf("code = %d, want -32000", code)
	}
}

func TestPostMCPWithInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Errorf("challenge = %q", rec.Header().Get("WWW-Authenticate"))
	}
	if code := rpcErrorCode(t, rec); code != -32001 {
		t.Errorf("code = %d, want -32001", code)
	}
}

func TestPostMCPWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":2}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := rpcErrorCode(t, rec); code != -32003 {
		t.Errorf("code = %d, want -32003", code)
	}
}

func TestPostMCPWrongContentType(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestInitializeCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sessID := rec.Header().Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("no Mcp-Session-Id header")
	}
	if _, ok := env.registry.Get(sessID); !ok {
		t.Error("session not registered")
	}

	_, pending := env.registry.Counts()
	if pending != 1 {
		t.Errorf("pending = %d, want 1 before initialized notification", pending)
	}
}

func TestToolCallIsTracked(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	// No session id: the call is rejected, but usage is recorded on receipt.
	body := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"search_wiki","arguments":{"query":"visa"}}}`
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	global := env.tracker.Global()
	if global.TotalToolCalls != 1 || global.ToolBreakdown["search_wiki"] != 1 {
		t.Errorf("global usage = %+v", global)
	}
	u, ok := env.store.User("alice@example.com")
	if !ok || u.ToolCallCount != 1 {
		t.Errorf("profile counter = %+v", u)
	}
}

func TestDeleteMCP(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	del := func(sessID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("DELETE", "/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		if sessID != "" {
			req.Header.Set("Mcp-Session-Id", sessID)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := del(""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing header: status = %d, want 400", rec.Code)
	}
	if rec := del("unknown-session"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}

	tr, err := env.registry.ResolveOrCreate(context.Background(), "", "alice@example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec := del(tr.SessionID()); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	if rec := del(tr.SessionID()); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestPostMessagesWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/messages?sessionid=nope", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing bearer challenge")
	}
}

func TestPostMessagesUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	req := httptest.NewRequest("POST", "/messages?sessionid=nope", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := rpcErrorCode(t, rec); code != -32001 {
		t.Errorf("code = %d, want -32001", code)
	}
}

func TestPostMessagesRejectsStreamingSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	tr, err := env.registry.ResolveOrCreate(context.Background(), "", "alice@example.com", true)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/messages?sessionid="+tr.SessionID(), strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("streaming session via /messages: status = %d, want 404", rec.Code)
	}
}

func TestPostMessagesTracksToolCalls(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	tr, err := env.registry.AddLegacy(context.Background(), httptest.NewRecorder(), "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"search_wiki","arguments":{"query":"wifi"}}}`
	req := httptest.NewRequest("POST", "/messages?sessionid="+tr.SessionID(), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if env.tracker.Global().TotalToolCalls != 1 {
		t.Errorf("global tool calls = %d, want 1", env.tracker.Global().TotalToolCalls)
	}
	users := env.store.Users()
	if len(users) != 1 || users[0].ToolCallCount != 1 {
		t.Errorf("profiles = %+v", users)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.store.UpsertUser("alice@example.com", "Alice")
	env.tracker.Record("alice@example.com", "search_wiki")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Global   usage.GlobalSnapshot `json:"global"`
		Users    []oauth.UserProfile  `json:"users"`
		Usage    []usage.UserSnapshot `json:"usage"`
		Sessions map[string]int       `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Global.TotalToolCalls != 1 {
		t.Errorf("global = %+v", body.Global)
	}
	if len(body.Users) != 1 || body.Users[0].Email != "alice@example.com" {
		t.Errorf("users = %+v", body.Users)
	}
	if len(body.Usage) != 1 || body.Usage[0].ToolBreakdown["search_wiki"] != 1 {
		t.Errorf("usage = %+v", body.Usage)
	}
	if _, ok := body.Sessions["active"]; !ok {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestMetricsIncludesSessionGauges(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{"mcp_sessions_active", "mcp_sessions_pending", "mcp_tool_calls_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics missing %s", metric)
		}
	}
}

func TestWellKnownDocuments(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/oauth-authorization-server", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var as map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&as); err != nil {
		t.Fatal(err)
	}
	if as["issuer"] != "http://events.test" {
		t.Errorf("issuer = %v", as["issuer"])
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

// TestAuthorizationCodeFlow drives the whole client journey through the
// handler: discover the login page, submit credentials, exchange the code
// with PKCE, and open an MCP session with the resulting bearer token.
func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET",
		"/authorize?response_type=code&redirect_uri=http://client.test/cb&state=xyz&code_challenge="+challenge+"&code_challenge_method=S256", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d: %s", rec.Code, rec.Body.String())
	}

	form := url.Values{
		"name":                  {"Alice"},
		"email":                 {"alice@example.com"},
		"redirect_uri":          {"http://client.test/cb"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("POST", "/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "xyz" {
		t.Fatalf("redirect = %s", loc)
	}

	form = url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://client.test/cb"},
		"code_verifier": {verifier},
	}
	req = httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rec.Code, rec.Body.String())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&tok); err != nil {
		t.Fatal(err)
	}
	if tok.TokenType != "Bearer" || len(tok.AccessToken) != 64 {
		t.Fatalf("token = %+v", tok)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"flow-test","version":"1.0"}}}`
	req = httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Mcp-Session-Id") == "" {
		t.Error("missing Mcp-Session-Id header")
	}

	users := env.store.Users()
	if len(users) != 1 || users[0].Email != "alice@example.com" {
		t.Errorf("users = %+v", users)
	}
}

// A stale client-supplied session id on initialize must not leak through to
// the transport: the effective header is the fresh server-generated id.
func TestInitializeRewritesStaleSessionHeader(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Mcp-Session-Id", "stale-id-from-before-restart")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sessID := rec.Header().Get("Mcp-Session-Id")
	if sessID == "" || sessID == "stale-id-from-before-restart" {
		t.Fatalf("effective id = %q, want a fresh server id", sessID)
	}
	if got := req.Header.Get("Mcp-Session-Id"); got != sessID {
		t.Errorf("inbound header = %q, want rewritten to %q", got, sessID)
	}
}
