package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hellogate/store"
)

const sessionCookieName = "hg_session"

type sessionKey struct{}

// SessionManager binds browsers to server-side sessions through a cookie.
type SessionManager struct {
	store        store.Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, st store.Store, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        st,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Middleware ensures every request carries a live session. Unknown or expired
// cookies are replaced with a freshly minted id.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sm.ensure(r)
		if err != nil {
			sm.logger.Error("session unavailable", "error", err, "request_id", RequestIDFromContext(r.Context()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		sm.setCookie(w, sess.ID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func (sm *SessionManager) ensure(r *http.Request) (*store.Session, error) {
	ctx := r.Context()
	var id string
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		id = cookie.Value
	}

	sess, err := sm.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !sess.Fresh() {
		err := sm.store.Touch(ctx, sess.ID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("touch session: %w", err)
		}
		// Expired between Get and Touch.
		if sess, err = sm.store.Get(ctx, ""); err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}
	if err := sm.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Destroy deletes the session record and clears the cookie.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, id string) error {
	sm.Clear(w)
	if err := sm.store.Expire(ctx, id); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// SessionFromContext returns the session loaded for this request.
func SessionFromContext(ctx context.Context) *store.Session {
	sess, _ := ctx.Value(sessionKey{}).(*store.Session)
	return sess
}
