package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hellogate/store"
)

const greeting = "Hello from hellogate!"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     store.Store
	Sessions  *SessionManager
	Discovery *ProviderDiscovery
	Flow      *AuthorizationFlow
	Metrics   *Metrics
}

// Option overrides a dependency NewApp would otherwise build from config.
type Option func(*appDeps)

type appDeps struct {
	store      store.Store
	httpClient *http.Client
	creds      *ClientCredentials
	now        func() time.Time
}

// WithStore uses st instead of opening the configured backend.
func WithStore(st store.Store) Option {
	return func(d *appDeps) { d.store = st }
}

// WithHTTPClient sets the client used for discovery, token and JWKS requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *appDeps) { d.httpClient = c }
}

// WithCredentials skips the credentials file.
func WithCredentials(c ClientCredentials) Option {
	return func(d *appDeps) { d.creds = &c }
}

// WithClock replaces time.Now in the flow.
func WithClock(now func() time.Time) Option {
	return func(d *appDeps) { d.now = now }
}

// NewApp wires together the application state from configuration. The
// provider is discovered once up front; a failure is logged and retried on
// the first protected request.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var deps appDeps
	for _, opt := range opts {
		opt(&deps)
	}

	st := deps.store
	if st == nil {
		var err error
		st, err = OpenStore(ctx, cfg.Sessions)
		if err != nil {
			return nil, err
		}
	}

	creds := cfg.Credentials(logger)
	if deps.creds != nil {
		creds = *deps.creds
	}

	metrics := NewMetrics()
	discovery := NewProviderDiscovery(cfg.Provider.Site, deps.httpClient, cfg.Provider.DiscoveryTimeout, logger, metrics)
	flow := NewAuthorizationFlow(creds, discovery, st, logger, metrics, FlowOptions{
		ExchangeTimeout: cfg.Provider.ExchangeTimeout,
		AuthRequestTTL:  cfg.Provider.AuthRequestTTL,
		Now:             deps.now,
	})

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Sessions:  NewSessionManager(cfg, st, logger),
		Discovery: discovery,
		Flow:      flow,
		Metrics:   metrics,
	}

	if _, err := discovery.Metadata(ctx); err != nil {
		logger.Warn("provider warm-up failed, protected path unavailable until discovery succeeds", "error", err)
	}

	if sweeper, ok := st.(*store.SQLiteStore); ok && cfg.Sessions.SweepInterval > 0 {
		go app.sweepLoop(ctx, sweeper, cfg.Sessions.SweepInterval)
	}

	return app, nil
}

// OpenStore opens the configured session backend.
func OpenStore(ctx context.Context, cfg SessionsConfig) (store.Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return store.NewMemoryStore(cfg.TTL, cfg.SweepInterval), nil
	case BackendRedis:
		st, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open redis session store: %w", err)
		}
		return st, nil
	case BackendSQLite:
		st, err := store.OpenSQLite(cfg.SQLitePath, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) sweepLoop(ctx context.Context, s *store.SQLiteStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				a.Logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.Logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(greeting))
}

func (a *App) handleProtected(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if principal, ok := a.Flow.CurrentPrincipal(sess); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(principal.Claims)
		return
	}

	authURL, err := a.Flow.BeginAuth(r.Context(), sess.ID)
	if err != nil {
		a.deny(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if _, err := a.Flow.HandleCallback(r.Context(), sess.ID, r.URL.Query()); err != nil {
		a.deny(w, r, err)
		return
	}
	http.Redirect(w, r, a.Config.Routes.Protected, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if err := a.Sessions.Destroy(r.Context(), w, sess.ID); err != nil {
		a.Logger.Error("logout failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"discovered": a.Discovery.Discovered(),
	})
}

// deny answers every flow failure with the same opaque 403. The flow has
// already logged the cause.
func (a *App) deny(w http.ResponseWriter, r *http.Request, err error) {
	a.Logger.Info("access denied",
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"outcome", outcome(err),
	)
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, "access denied", http.StatusForbidden)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
