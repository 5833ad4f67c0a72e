package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trunov/photothumb/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/images", h.UploadImage)
		r.Get("/images/{id}", h.GetImage)
	})

	r.Get("/media/{kind}/{name}", h.ServeMedia)

	return r
}
