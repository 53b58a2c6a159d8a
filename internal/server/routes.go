// Package server wires HTTP handlers into a chi router for the Loft
// application.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures and returns the application router: health check,
// metrics, the WebSocket endpoint, and the REST API.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", HealthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/ws/{groupID}", a.WebSocketHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth", a.AuthCallbackHandler)
		r.Post("/logout", a.LogoutHandler)
		r.Get("/groups", a.GroupListHandler)
		r.Post("/groups", a.CreateGroupHandler)
		r.Get("/groups/{groupID}/channels", a.GroupChannelsHandler)
		r.Get("/groups/{groupID}/online", a.OnlineUsersHandler)
		r.Post("/users/{userID}/kick", a.KickHandler)
	})

	return r
}
