package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all API endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.ClientOriginURL))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/healthz", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(a.Config.Server.RateLimit, a.Logger))

		r.Get("/api/auth/url", a.handleAuthURL)
		r.Get("/api/auth/callback", a.handleAuthCallback)
		r.Post("/api/auth/token", a.handleAuthToken)
		r.Post("/api/auth/logout", a.handleLogout)
	})

	r.Get("/api/userprofile", a.handleUserProfile)

	return r
}
