// Package sessions tracks the live MCP transports behind the HTTP front-end.
// Each session identifier maps to exactly one transport; entries move from
// pending (allocated during the initialize handshake) to active (first
// acknowledgement or continuation) to closed (explicit delete, peer
// disconnect, or transport shutdown).
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	// ErrMissingSession is returned when a continuation request carries no
	// session identifier.
	ErrMissingSession = errors.New("no session id provided")
	// ErrNotFound is returned when a session identifier is unknown.
	ErrNotFound = errors.New("session not found")
)

// Kind distinguishes the two transport flavors the registry manages.
type Kind string

const (
	KindStreaming Kind = "streaming"
	KindLegacySSE Kind = "legacy-sse"
)

// State is the lifecycle position of a session.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
)

// Transport is the registry's view of a live protocol connection. The
// registry never looks inside: it can route HTTP exchanges to it and close
// it, nothing else.
type Transport interface {
	http.Handler
	SessionID() string
	Kind() Kind
	Close() error
}

type entry struct {
	transport Transport
	email     string
	state     State
	createdAt time.Time
}

// Registry owns the session table. All transitions go through its mutex so
// concurrent requests for one identifier observe a single transport.
type Registry struct {
	server         *mcp.Server
	log            *slog.Logger
	legacyEndpoint string

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Registry)

// WithLogger overrides the registry logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithLegacyEndpoint sets the message-post path advertised to legacy SSE
// clients. Defaults to /messages.
func WithLegacyEndpoint(path string) Option {
	return func(r *Registry) { r.legacyEndpoint = path }
}

// NewRegistry builds a Registry that connects new transports to server.
func NewRegistry(server *mcp.Server, opts ...Option) *Registry {
	r := &Registry{
		server:         server,
		log:            slog.Default(),
		legacyEndpoint: "/messages",
		entries:        map[string]*entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveOrCreate returns the transport to handle a streaming request.
//
// Initialize requests always get a fresh server-generated identifier and a
// pending transport, regardless of any client-supplied id. A known id
// returns the existing transport; a pending entry reused by a continuation
// is promoted to active. An unknown supplied id gets a transport lazily
// bound to that id. A continuation with no id fails with ErrMissingSession.
func (r *Registry) ResolveOrCreate(ctx context.Context, sessionID, email string, isInitialize bool) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isInitialize {
		id := uuid.NewString()
		return r.createStreamingLocked(ctx, id, email, StatePending)
	}

	if sessionID == "" {
		return nil, ErrMissingSession
	}

	if e, ok := r.entries[sessionID]; ok {
		if e.state == StatePending {
			e.state = StateActive
		}
		return e.transport, nil
	}

	// Tolerant mode: the id is unknown but client-supplied, so bind a new
	// transport to it rather than rejecting out-of-band resumption.
	r.log.InfoContext(ctx, "session.resume.unknown", slog.String("session_id", sessionID))
	return r.createStreamingLocked(ctx, sessionID, email, StateActive)
}

func (r *Registry) createStreamingLocked(ctx context.Context, id, email string, state State) (Transport, error) {
	transport := mcp.NewStreamableServerTransport(id, nil)

	sess, err := r.server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	st := &streamingTransport{id: id, inner: transport, sess: sess}
	r.entries[id] = &entry{
		transport: st,
		email:     email,
		state:     state,
		createdAt: time.Now(),
	}
	r.log.InfoContext(ctx, "session.create",
		slog.String("session_id", id),
		slog.String("state", string(state)),
	)

	// The server session ends when the peer goes away or the server shuts
	// the session down; either way the entry must not outlive it.
	go func() {
		_ = sess.Wait()
		r.remove(id)
	}()

	return st, nil
}

// AddLegacy creates an SSE transport writing its event stream to w and
// registers it as an active session.
func (r *Registry) AddLegacy(ctx context.Context, w http.ResponseWriter, email string) (Transport, error) {
	id := uuid.NewString()
	inner := mcp.NewSSEServerTransport(fmt.Sprintf("%s?sessionid=%s", r.legacyEndpoint, id), w)

	sess, err := r.server.Connect(ctx, inner, nil)
	if err != nil {
		return nil, fmt.Errorf("connect sse transport: %w", err)
	}

	lt := &legacyTransport{id: id, inner: inner, sess: sess}

	r.mu.Lock()
	r.entries[id] = &entry{
		transport: lt,
		email:     email,
		state:     StateActive,
		createdAt: time.Now(),
	}
	r.mu.Unlock()

	r.log.InfoContext(ctx, "session.create",
		slog.String("session_id", id),
		slog.String("kind", string(KindLegacySSE)),
	)

	go func() {
		_ = sess.Wait()
		r.remove(id)
	}()

	return lt, nil
}

// MarkActive promotes a pending session after the protocol-level initialized
// acknowledgement. Unknown ids are ignored; the acknowledgement may race a
// close.
func (r *Registry) MarkActive(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.state = StateActive
	}
}

// Get returns the transport for a session id.
func (r *Registry) Get(sessionID string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// Close tears down one session. Unknown ids report ErrNotFound.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	r.log.Info("session.close", slog.String("session_id", sessionID))
	return e.transport.Close()
}

// CloseAll tears down every session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()

	for id, e := range entries {
		if err := e.transport.Close(); err != nil {
			r.log.Debug("session.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
}

// Counts reports active and pending session totals.
func (r *Registry) Counts() (active, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.state == StatePending {
			pending++
		} else {
			active++
		}
	}
	return active, pending
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("session.disconnect", slog.String("session_id", sessionID))
	}
}

type streamingTransport struct {
	id    string
	inner *mcp.StreamableServerTransport
	sess  *mcp.ServerSession
}

func (t *streamingTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t.inner.ServeHTTP(w, req)
}

func (t *streamingTransport) SessionID() string { return t.id }
func (t *streamingTransport) Kind() Kind        { return KindStreaming }
func (t *streamingTransport) Close() error      { return t.sess.Close() }

type legacyTransport struct {
	id    string
	inner *mcp.SSEServerTransport
	sess  *mcp.ServerSession
}

// ServeHTTP delivers a client-to-server message POSTed to the legacy message
// endpoint.
func (t *legacyTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t.inner.ServeHTTP(w, req)
}

func (t *legacyTransport) SessionID() string { return t.id }
func (t *legacyTransport) Kind() Kind        { return KindLegacySSE }
func (t *legacyTransport) Close() error      { return t.sess.Close() }
