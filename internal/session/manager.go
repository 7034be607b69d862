// Package session binds authenticated principals to server-side sessions carried by a cookie.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
)

const (
	defaultCookieName = "bookshelf_session"
	defaultLifetime   = 24 * time.Hour

	keyPrincipalID   = "principal_id"
	keyPrincipalRole = "principal_role"
	keyOAuthState    = "oauth_state"
)

var errMissingStore = errors.New("session store is required")

// Config describes cookie and lifetime settings.
type Config struct {
	CookieName   string
	Lifetime     time.Duration
	SecureCookie bool
	Store        scs.Store
}

// Principal is the identity bound to a session.
type Principal struct {
	ID   string
	Role string
}

// Manager loads, mutates and persists sessions around a request.
type Manager struct {
	sessions *scs.SessionManager
}

// NewManager constructs a Manager over the given store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: %w", errMissingStore)
	}
	sessions := scs.New()
	sessions.Store = cfg.Store
	sessions.Lifetime = defaultLifetime
	if cfg.Lifetime > 0 {
		sessions.Lifetime = cfg.Lifetime
	}
	sessions.Cookie.Name = defaultCookieName
	if name := strings.TrimSpace(cfg.CookieName); name != "" {
		sessions.Cookie.Name = name
	}
	sessions.Cookie.HttpOnly = true
	sessions.Cookie.Path = "/"
	sessions.Cookie.SameSite = http.SameSiteLaxMode
	sessions.Cookie.Secure = cfg.SecureCookie
	return &Manager{sessions: sessions}, nil
}

// CookieName returns the session cookie name.
func (m *Manager) CookieName() string {
	return m.sessions.Cookie.Name
}

// Load attaches the session named by the request cookie to the returned context.
// A missing cookie yields an empty session.
func (m *Manager) Load(r *http.Request) (context.Context, error) {
	var token string
	if cookie, err := r.Cookie(m.sessions.Cookie.Name); err == nil {
		token = cookie.Value
	}
	return m.sessions.Load(r.Context(), token)
}

// Establish binds principal to the session and rotates the session token.
func (m *Manager) Establish(ctx context.Context, principal Principal) error {
	if err := m.sessions.RenewToken(ctx); err != nil {
		return err
	}
	m.sessions.Put(ctx, keyPrincipalID, principal.ID)
	m.sessions.Put(ctx, keyPrincipalRole, principal.Role)
	return nil
}

// Principal reports the principal bound to the session, if any.
func (m *Manager) Principal(ctx context.Context) (Principal, bool) {
	id := m.sessions.GetString(ctx, keyPrincipalID)
	if id == "" {
		return Principal{}, false
	}
	return Principal{ID: id, Role: m.sessions.GetString(ctx, keyPrincipalRole)}, true
}

// PutOAuthState records the state value of an authorization request in flight.
func (m *Manager) PutOAuthState(ctx context.Context, state string) {
	m.sessions.Put(ctx, keyOAuthState, state)
}

// TakeOAuthState returns and clears the pending authorization state.
func (m *Manager) TakeOAuthState(ctx context.Context) string {
	return m.sessions.PopString(ctx, keyOAuthState)
}

// Destroy removes the session from the store.
func (m *Manager) Destroy(ctx context.Context) error {
	return m.sessions.Destroy(ctx)
}

// Save persists a modified session and writes its cookie, or expires the cookie of a destroyed one.
// It must run before the response body is written.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter) error {
	switch m.sessions.Status(ctx) {
	case scs.Modified:
		token, expiry, err := m.sessions.Commit(ctx)
		if err != nil {
			return err
		}
		m.sessions.WriteSessionCookie(ctx, w, token, expiry)
	case scs.Destroyed:
		m.sessions.WriteSessionCookie(ctx, w, "", time.Time{})
	}
	return nil
}
