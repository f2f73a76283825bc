package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tessera/internal/tableservice"
)

// NewRouter creates a chi router with all API routes mounted.
// events, if non-nil, serves GET /documents/{documentID}/events inside the
// auth group.
func NewRouter(svc *tableservice.Service, auth Auth, events http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(auth))

	r.Route("/documents", func(r chi.Router) {
		r.Get("/", h.ListDocuments)
		r.Post("/", h.CreateDocument)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", h.GetDocument)
			r.Delete("/", h.DeleteDocument)
			r.Get("/blocks", h.ListBlocks)
			r.Post("/blocks", h.CreateBlock)
			r.Put("/blocks/order", h.ReorderBlocks)
			if events != nil {
				r.Get("/events", events.ServeHTTP)
			}
		})
	})

	r.Route("/blocks/{blockID}", func(r chi.Router) {
		r.Get("/", h.GetBlock)
		r.Patch("/", h.UpdateBlock)
		r.Delete("/", h.DeleteBlock)
		r.Patch("/metadata", h.UpdateBlockMetadata)

		r.Get("/columns", h.ListColumns)
		r.Post("/columns", h.CreateColumn)
		r.Put("/columns/order", h.ReorderColumns)

		r.Get("/rows", h.ListRows)
		r.Post("/rows", h.CreateRow)
		r.Put("/rows/order", h.ReorderRows)
	})

	r.Patch("/columns/{columnID}", h.UpdateColumn)
	r.Delete("/columns/{columnID}", h.DeleteColumn)

	r.Get("/rows/{rowID}", h.GetRow)
	r.Patch("/rows/{rowID}", h.UpdateRow)
	r.Delete("/rows/{rowID}", h.DeleteRow)

	r.Get("/properties", h.ListProperties)
	r.Post("/properties", h.UpsertProperty)

	r.Get("/locks/{entityID}", h.GetLock)
	r.Post("/locks/{entityID}", h.AcquireLock)
	r.Delete("/locks/{entityID}", h.ReleaseLock)

	return r
}
