package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.Sessions.Middleware)

		r.Get("/", a.handleHome)
		r.Get(a.Config.Routes.Protected, a.handleProtected)
		r.Get(a.Config.Routes.Callback, a.handleCallback)
		r.Post("/logout", a.handleLogout)
	})

	return r
}
