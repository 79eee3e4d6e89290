package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vaultkeep/internal/workspace"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(ws *workspace.Workspace, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(ws)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Windows and their sessions.
	r.Get("/windows", h.ListWindows)
	r.Post("/windows", h.OpenWindow)
	r.Get("/windows/{id}", h.GetWindow)
	r.Put("/windows/{id}/content", h.EditWindow)
	r.Post("/windows/{id}/save", h.SaveWindow)
	r.Post("/windows/{id}/resolve", h.ResolveWindow)
	r.Post("/windows/{id}/minimize", h.MinimizeWindow)
	r.Post("/windows/{id}/activate", h.ActivateWindow)
	r.Delete("/windows/{id}", h.CloseWindow)

	// Lock and cache status per note.
	r.Get("/locks/*", h.NoteStatus)

	// Annotations.
	r.Get("/annotations/*", h.ListAnnotations)
	r.Post("/annotations/*", h.AddAnnotation)
	r.Patch("/annotations/*", h.ResolveAnnotation)

	// Ontology.
	r.Get("/ontology", h.GetOntology)
	r.Put("/ontology/tags/{id}", h.PutTag)
	r.Delete("/ontology/tags/{id}", h.DeleteTag)
	r.Post("/ontology/synonyms", h.AddSynonym)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
