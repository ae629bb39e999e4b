package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/arbor/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.CreateDocument)
	r.Route("/documents/{id}", func(r chi.Router) {
		r.Get("/", h.GetDocument)
		r.Delete("/", h.CloseDocument)
		r.Get("/transactions", h.Transactions)
		r.Post("/transactions", h.Apply)
		r.Post("/undo", h.Undo)
		r.Post("/redo", h.Redo)
		r.Post("/jump", h.Jump)
		r.Delete("/history", h.ClearHistory)
		r.Put("/readonly", h.SetReadOnly)
		r.Put("/plugins/{name}", h.RegisterPlugin)
		r.Delete("/plugins/{name}", h.UnregisterPlugin)
	})

	r.Get("/search", h.Search)

	r.Get("/schemas", h.ListSchemas)
	r.Get("/schemas/{name}", h.GetSchema)
	r.Put("/schemas/{name}", h.PutSchema)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
