package oauth

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/networkschool/events-mcp/internal/wellknown"
)

//go:embed login.html
var loginPageHTML string

var loginPage = template.Must(template.New("login").Parse(loginPageHTML))

// Manager owns the OAuth HTTP surface: the authorize/login/token legs,
// dynamic client registration, and the discovery documents.
type Manager struct {
	store       *Store
	baseURL     string
	loginSecret string
	log         *slog.Logger
}

type ManagerOption func(*Manager)

// WithBaseURL pins the externally visible origin used in discovery
// documents. When unset it is derived per request from the Host header.
func WithBaseURL(baseURL string) ManagerOption {
	return func(m *Manager) { m.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithLoginSecret sets the shared secret checked at login. An empty secret
// disables the check entirely.
func WithLoginSecret(secret string) ManagerOption {
	return func(m *Manager) { m.loginSecret = secret }
}

// WithManagerLogger overrides the manager logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a Manager over the given credential store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the credential store shared with the dispatcher.
func (m *Manager) Store() *Store {
	return m.store
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// HandleAuthorize begins the authorization-code flow by serving the login
// page. Code issuance is deferred to the login submission.
func (m *Manager) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")

	m.log.InfoContext(r.Context(), "oauth.authorize",
		slog.String("client_id", q.Get("client_id")),
		slog.String("redirect_uri", redirectURI),
		slog.Bool("pkce", q.Get("code_challenge") != ""),
	)

	if redirectURI == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "redirect_uri is required"})
		return
	}
	if responseType != "code" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Only response_type=code is supported"})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := loginPage.Execute(w, map[string]any{
		"RequireSecret":       m.loginSecret != "",
		"RedirectURI":         redirectURI,
		"State":               q.Get("state"),
		"CodeChallenge":       q.Get("code_challenge"),
		"CodeChallengeMethod": q.Get("code_challenge_method"),
	})
	if err != nil {
		m.log.ErrorContext(r.Context(), "oauth.authorize.render_fail", slog.String("err", err.Error()))
	}
}

// HandleCallback processes the login form: it validates the shared secret,
// upserts the user, mints an authorization code, and redirects back to the
// client with code and echoed state.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	password := r.Form.Get("password")
	name := r.Form.Get("name")
	email := r.Form.Get("email")
	redirectURI := r.Form.Get("redirect_uri")

	var missing []string
	if m.loginSecret != "" && password == "" {
		missing = append(missing, "password")
	}
	if name == "" {
		missing = append(missing, "name")
	}
	if email == "" {
		missing = append(missing, "email")
	}
	if redirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:            "invalid_request",
			ErrorDescription: "missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	if m.loginSecret != "" && subtle.ConstantTimeCompare([]byte(password), []byte(m.loginSecret)) != 1 {
		m.log.WarnContext(r.Context(), "oauth.login.bad_secret", slog.String("email", email))
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error:            "invalid_password",
			ErrorDescription: "incorrect access password",
		})
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "invalid redirect_uri"})
		return
	}

	m.store.UpsertUser(email, name)

	method := r.Form.Get("code_challenge_method")
	if method == "" {
		method = MethodPlain
	}
	code, err := m.store.IssueCode(email, name, redirectURI, r.Form.Get("code_challenge"), method)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error", ErrorDescription: "failed to issue code"})
		return
	}

	m.log.InfoContext(r.Context(), "oauth.code.issue", slog.String("email", email))

	q := target.Query()
	q.Set("code", code)
	if state := r.Form.Get("state"); state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// HandleToken exchanges an authorization code for a bearer token, enforcing
// the redirect binding and PKCE when a challenge was stored with the code.
func (m *Manager) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	if grantType := r.Form.Get("grant_type"); grantType != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:            "unsupported_grant_type",
			ErrorDescription: "Only authorization_code grant type is supported",
		})
		return
	}

	code := r.Form.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "code is required"})
		return
	}

	ac, err := m.store.LookupCode(code)
	if err != nil {
		desc := "Invalid authorization code"
		if err == ErrCodeExpired {
			desc = "Authorization code expired"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: desc})
		return
	}

	if redirectURI := r.Form.Get("redirect_uri"); redirectURI != "" && redirectURI != ac.RedirectURI {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: "redirect_uri mismatch"})
		return
	}

	if ac.CodeChallenge != "" {
		verifier := r.Form.Get("code_verifier")
		if verifier == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "code_verifier is required"})
			return
		}
		if !VerifyPKCE(ac.CodeChallengeMethod, verifier, ac.CodeChallenge) {
			m.log.WarnContext(r.Context(), "oauth.pkce.fail", slog.String("email", ac.Email))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: "Invalid code verifier"})
			return
		}
	}

	// Test-and-delete: of any concurrent exchanges presenting this code,
	// exactly one reaches the token mint below.
	if err := m.store.ConsumeCode(code); err != nil {
		desc := "Invalid authorization code"
		if err == ErrCodeExpired {
			desc = "Authorization code expired"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: desc})
		return
	}

	token, at, err := m.store.IssueToken(ac.Email, ac.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error", ErrorDescription: "failed to issue token"})
		return
	}

	m.log.InfoContext(r.Context(), "oauth.token.issue", slog.String("email", ac.Email))

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(TokenTTL.Seconds()),
		Scope:       strings.Join(at.Scopes, " "),
	})
}

type registerRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type registerResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegister implements minimal dynamic client registration: every
// request gets a fresh client id, and the submitted metadata is echoed
// back. No client record is kept; the flow never validates client ids.
func (m *Manager) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	clientID, err := randomHex(16)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error", ErrorDescription: "failed to generate client id"})
		return
	}

	if req.ClientName == "" {
		req.ClientName = "MCP Client"
	}
	if req.RedirectURIs == nil {
		req.RedirectURIs = []string{}
	}

	m.log.InfoContext(r.Context(), "oauth.register", slog.String("client_name", req.ClientName))

	writeJSON(w, http.StatusOK, registerResponse{
		ClientID:                clientID,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: "none",
	})
}

// HandleAuthServerMetadata serves RFC 8414 authorization server metadata.
func (m *Manager) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := m.resolveBaseURL(r)
	writeJSON(w, http.StatusOK, wellknown.AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		ScopesSupported:                   Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{MethodS256, MethodPlain},
	})
}

// HandleProtectedResourceMetadata serves RFC 9728 protected resource
// metadata pointing bearer-challenged clients at this authorization server.
func (m *Manager) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := m.resolveBaseURL(r)
	writeJSON(w, http.StatusOK, wellknown.ProtectedResourceMetadata{
		Resource:               base + "/mcp",
		AuthorizationServers:   []string{base},
		ScopesSupported:        Scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "Network School Events MCP Server",
	})
}

// ProtectedResourceMetadataURL is the absolute discovery URL advertised in
// bearer challenges.
func (m *Manager) ProtectedResourceMetadataURL(r *http.Request) string {
	return m.resolveBaseURL(r) + "/.well-known/oauth-protected-resource"
}

func (m *Manager) resolveBaseURL(r *http.Request) string {
	if m.baseURL != "" {
		return m.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
