// Package oauth implements the authorization-code + PKCE flow that protects
// the MCP endpoint: volatile credential stores, the login/token HTTP
// handlers, and the discovery documents. Tokens and codes are opaque random
// strings; nothing survives a process restart.
package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// CodeTTL bounds how long an authorization code may sit unexchanged.
	CodeTTL = 10 * time.Minute
	// TokenTTL is the bearer token lifetime.
	TokenTTL = 24 * time.Hour
)

// Scopes is the fixed scope set granted with every token.
var Scopes = []string{"mcp:read", "mcp:write", "events:read", "events:register", "wiki:read"}

var (
	ErrCodeNotFound  = errors.New("authorization code not found")
	ErrCodeExpired   = errors.New("authorization code expired")
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// UserProfile is one known user, keyed by email. Created on first login,
// refreshed on every subsequent login and tool call.
type UserProfile struct {
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	ToolCallCount int       `json:"toolCallCount"`
}

// AuthorizationCode is the state bound to one issued code. Single use: a
// successful exchange deletes it.
type AuthorizationCode struct {
	Email               string
	Name                string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	ExpiresAt           time.Time
}

// AccessToken is the state behind one bearer token string.
type AccessToken struct {
	Email     string
	Name      string
	Scopes    []string
	ExpiresAt time.Time
}

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	Token  string
	Email  string
	Name   string
	Scopes []string
}

// Store holds users, authorization codes, and access tokens behind one
// mutex. Expired entries are evicted lazily on access and by SweepExpired.
type Store struct {
	now func() time.Time

	mu     sync.Mutex
	users  map[string]*UserProfile
	codes  map[string]AuthorizationCode
	tokens map[string]AccessToken
}

type StoreOption func(*Store)

// WithClock overrides the store's time source for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		now:    time.Now,
		users:  map[string]*UserProfile{},
		codes:  map[string]AuthorizationCode{},
		tokens: map[string]AccessToken{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertUser creates the profile on first login and refreshes name and
// last-used on every later one.
func (s *Store) UpsertUser(email, name string) UserProfile {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[email]
	if !ok {
		u = &UserProfile{Email: email, CreatedAt: now}
		s.users[email] = u
	}
	u.Name = name
	u.LastUsedAt = now
	return *u
}

// User returns a copy of one profile.
func (s *Store) User(email string) (UserProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return UserProfile{}, false
	}
	return *u, true
}

// Users returns profile copies sorted by email.
func (s *Store) Users() []UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UserProfile, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// UserCount reports how many profiles exist.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// RecordToolCall bumps the profile counters for one tool invocation.
func (s *Store) RecordToolCall(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		u.ToolCallCount++
		u.LastUsedAt = s.now()
	}
}

// IssueCode mints a single-use authorization code bound to the login and
// any PKCE parameters.
func (s *Store) IssueCode(email, name, redirectURI, challenge, method string) (string, error) {
	code, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	s.codes[code] = AuthorizationCode{
		Email:               email,
		Name:                name,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		RedirectURI:         redirectURI,
		ExpiresAt:           now.Add(CodeTTL),
	}
	return code, nil
}

// LookupCode fetches a code without consuming it. Expired codes are evicted
// and reported as ErrCodeExpired.
func (s *Store) LookupCode(code string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, ErrCodeNotFound
	}
	if !ac.ExpiresAt.After(s.now()) {
		delete(s.codes, code)
		return AuthorizationCode{}, ErrCodeExpired
	}
	return ac, nil
}

// ConsumeCode deletes a code in the same critical section that checks it
// still exists, so concurrent exchanges of one code succeed at most once.
// Expired codes are evicted and reported as ErrCodeExpired.
func (s *Store) ConsumeCode(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return ErrCodeNotFound
	}
	delete(s.codes, code)
	if !ac.ExpiresAt.After(s.now()) {
		return ErrCodeExpired
	}
	return nil
}

// IssueToken mints a bearer token for the user with the fixed scope set.
func (s *Store) IssueToken(email, name string) (string, AccessToken, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", AccessToken{}, fmt.Errorf("generate token: %w", err)
	}
	now := s.now()

	at := AccessToken{
		Email:     email,
		Name:      name,
		Scopes:    append([]string(nil), Scopes...),
		ExpiresAt: now.Add(TokenTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.tokens[token] = at
	return token, at, nil
}

// Authenticate resolves a bearer token to an identity. Expired tokens are
// evicted so later lookups fail the same way.
func (s *Store) Authenticate(token string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.tokens[token]
	if !ok {
		return Identity{}, ErrTokenNotFound
	}
	if !at.ExpiresAt.After(s.now()) {
		delete(s.tokens, token)
		return Identity{}, ErrTokenExpired
	}
	return Identity{
		Token:  token,
		Email:  at.Email,
		Name:   at.Name,
		Scopes: append([]string(nil), at.Scopes...),
	}, nil
}

// SweepExpired drops every expired code and token. Run it periodically to
// bound memory growth between accesses.
func (s *Store) SweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) {
	for code, ac := range s.codes {
		if !ac.ExpiresAt.After(now) {
			delete(s.codes, code)
		}
	}
	for token, at := range s.tokens {
		if !at.ExpiresAt.After(now) {
			delete(s.tokens, token)
		}
	}
}

func randomHex(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
