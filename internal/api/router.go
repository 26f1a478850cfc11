package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all node control routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(mgr Manager, host Host, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(mgr, host)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/channels", h.ListChannels)
	r.Post("/channels/{gid}/activate", h.ActivateChannel)
	r.Post("/channels/{gid}/deactivate", h.DeactivateChannel)

	// Link and connection IDs contain slashes; delete takes the raw tail,
	// other routes need the ID path-escaped.
	r.Get("/links", h.ListLinks)
	r.Post("/links", h.CreateLink)
	r.Post("/links/load", h.LoadLinkAddress)
	r.Post("/links/from-address", h.CreateLinkFromAddress)
	r.Delete("/links/*", h.DestroyLink)

	r.Post("/connections", h.OpenConnection)
	r.Delete("/connections/*", h.CloseConnection)
	r.Post("/connections/{id}/packages", h.SendPackage)

	r.Get("/packages", h.ReceivedPackages)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
