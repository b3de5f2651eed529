package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/networkschool/events-mcp/internal/jsonrpc"
	"github.com/networkschool/events-mcp/internal/logctx"
	"github.com/networkschool/events-mcp/oauth"
	"github.com/networkschool/events-mcp/sessions"
	"github.com/networkschool/events-mcp/usage"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	maxBodyBytes = 4 << 20
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	realm  string
}

// WithLogger sets the slog logger used by the handler. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// Handler is the HTTP front-end: it routes MCP traffic to the session
// registry, serves the OAuth endpoints, and exposes the operational surface
// (health, stats, metrics).
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	oauth     *oauth.Manager
	store     *oauth.Store
	registry  *sessions.Registry
	tracker   *usage.Tracker
	realm     string
	startedAt time.Time
}

// New assembles the front-end from its collaborators. Session gauges are
// registered on the tracker's registry so /metrics reports them alongside
// tool-call counters.
func New(manager *oauth.Manager, registry *sessions.Registry, tracker *usage.Tracker, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("oauth manager is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("usage tracker is required")
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		oauth:     manager,
		store:     manager.Store(),
		registry:  registry,
		tracker:   tracker,
		realm:     cfg.realm,
		startedAt: time.Now(),
	}

	tracker.Registerer().MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcp_sessions_active",
			Help: "Number of active MCP sessions.",
		}, func() float64 {
			active, _ := registry.Counts()
			return float64(active)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcp_sessions_pending",
			Help: "Number of sessions allocated but not yet initialized.",
		}, func() float64 {
			_, pending := registry.Counts()
			return float64(pending)
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /mcp", h.handleGetMCP)
	mux.HandleFunc("DELETE /mcp", h.handleDeleteMCP)
	mux.HandleFunc("OPTIONS /mcp", h.handleOptionsMCP)
	mux.HandleFunc("POST /messages", h.handlePostMessages)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.Handle("GET /metrics", tracker.MetricsHandler())

	mux.HandleFunc("GET /authorize", manager.HandleAuthorize)
	mux.HandleFunc("POST /callback", h.handleCallback)
	mux.HandleFunc("POST /token", manager.HandleToken)
	mux.HandleFunc("POST /register", manager.HandleRegister)

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", manager.HandleAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", h.handleOptionsMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", manager.HandleProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.handleOptionsMetadata)

	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP routes a client-to-server exchange to the session transport,
// creating the session when the body carries an initialize request.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeBadRequest, "Content-Type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	msgs, err := jsonrpc.Peek(body)
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
		h.log.WarnContext(ctx, "jsonrpc.peek.fail", slog.String("err", err.Error()))
		return
	}

	h.recordToolCalls(ctx, msgs, identity.Email)

	isInitialize := jsonrpc.ContainsMethod(msgs, "initialize")
	sessID := r.Header.Get(mcpSessionIDHeader)

	transport, err := h.registry.ResolveOrCreate(ctx, sessID, identity.Email, isInitialize)
	if err != nil {
		if errors.Is(err, sessions.ErrMissingSession) {
			h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeNoSession, "Bad Request: No valid session ID provided")
			h.log.InfoContext(ctx, "session.id.missing")
			return
		}
		h.writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to establish session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: transport.SessionID(),
		UserEmail: identity.Email,
		Kind:      string(transport.Kind()),
	})
	if len(msgs) == 1 {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msgs[0].Method,
			ID:     msgs[0].ID.String(),
		})
	}

	w.Header().Set(mcpSessionIDHeader, transport.SessionID())
	// The transport validates the inbound header, so a stale client-supplied
	// id must be rewritten to the effective one.
	r.Header.Set(mcpSessionIDHeader, transport.SessionID())

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	transport.ServeHTTP(w, r.WithContext(ctx))

	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP serves the deprecated HTTP+SSE transport: the response becomes
// a long-lived event stream and the client POSTs messages to /messages.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.sse.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	transport, err := h.registry.AddLegacy(ctx, w, identity.Email)
	if err != nil {
		h.writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to establish SSE session")
		h.log.ErrorContext(ctx, "session.sse.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: transport.SessionID(),
		UserEmail: identity.Email,
		Kind:      string(transport.Kind()),
	})
	h.log.InfoContext(ctx, "sse.stream.start")

	// The stream stays open until the client disconnects.
	<-r.Context().Done()
	_ = h.registry.Close(transport.SessionID())

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "Bad Request: Mcp-Session-Id header is required")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserEmail: identity.Email})

	if err := h.registry.Close(sessID); err != nil {
		h.writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// handlePostMessages accepts client-to-server messages for legacy SSE
// sessions; the session id travels in the query string because the old
// transport has no session header.
func (h *Handler) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sessID := r.URL.Query().Get("sessionid")
	if sessID == "" {
		sessID = r.URL.Query().Get("sessionId")
	}
	if sessID == "" {
		h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "Bad Request: sessionId query parameter is required")
		h.log.WarnContext(ctx, "messages.missing_session_id")
		return
	}

	transport, ok := h.registry.Get(sessID)
	if !ok || transport.Kind() != sessions.KindLegacySSE {
		h.writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		h.log.InfoContext(ctx, "messages.session.miss", slog.String("session_id", sessID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	if msgs, err := jsonrpc.Peek(body); err == nil {
		h.recordToolCalls(ctx, msgs, identity.Email)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserEmail: identity.Email, Kind: string(transport.Kind())})
	transport.ServeHTTP(w, r.WithContext(ctx))
}

// recordToolCalls counts each tools/call message once, keyed by user and
// tool name. Both POST paths funnel through here.
func (h *Handler) recordToolCalls(ctx context.Context, msgs []jsonrpc.Message, email string) {
	for i := range msgs {
		if tool := msgs[i].ToolName(); tool != "" {
			h.tracker.Record(email, tool)
			h.store.RecordToolCall(email)
			toolCtx := logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: tool, UserEmail: email})
			h.log.InfoContext(toolCtx, "tool.call")
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// handleStats reports registered users, per-user and global tool usage, and
// session counts. Unauthenticated on purpose: it carries no secrets and the
// deployment fronts it with its own access controls.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	active, pending := h.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"global": h.tracker.Global(),
		"users":  h.store.Users(),
		"usage":  h.tracker.Users(),
		"sessions": map[string]int{
			"active":  active,
			"pending": pending,
		},
	})
}

// handleCallback wraps the login endpoint so completed logins feed the usage
// counters. A redirect response means a code was issued.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	h.oauth.HandleCallback(sw, r)
	if sw.status == http.StatusFound {
		h.tracker.RecordLogin()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) handleOptionsMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+mcpSessionIDHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOptionsMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// authenticate resolves the bearer token to a stored identity. On failure it
// writes the full response (challenge header plus JSON-RPC error body) and
// returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (oauth.Identity, bool) {
	reqCtx := r.Context()

	authHeader := r.Header.Get(authorizationHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		h.log.InfoContext(reqCtx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.oauth.ProtectedResourceMetadataURL(r), nil))
		h.writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeBadRequest, "Unauthorized: missing bearer token")
		return oauth.Identity{}, false
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	identity, err := h.store.Authenticate(token)
	if err != nil {
		h.log.InfoContext(reqCtx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.oauth.ProtectedResourceMetadataURL(r), map[string]string{
			"error":             "invalid_token",
			"error_description": "invalid or expired token",
		}))
		h.writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidToken, "Forbidden: invalid or expired token")
		return oauth.Identity{}, false
	}

	h.log.InfoContext(reqCtx, "auth.ok", slog.String("user", identity.Email))
	return identity, true
}

// writeRPCError emits a JSON-RPC shaped error body for HTTP-layer rejections
// that happen before a message reaches a transport.
func (h *Handler) writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(nil, code, message))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// buildBearerChallenge builds an RFC 6750 Bearer challenge value. Resource
// metadata points clients at the discovery document. Params are emitted in a
// fixed order so challenges are stable.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
