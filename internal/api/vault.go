package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vaultkeep/internal/annotation"
	"github.com/starford/vaultkeep/internal/ontology"
)

// ListAnnotations handles GET /annotations/*.
//
//	@Summary		List a note's annotations
//	@Tags			annotations
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	AnnotationListResponse
//	@Security		BearerAuth
//	@Router			/annotations/{path} [get]
func (h *Handler) ListAnnotations(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	doc, err := h.ws.Annotations(path)
	if err != nil {
		writeError(w, "list annotations", err)
		return
	}
	items := doc.Items()
	if items == nil {
		items = []annotation.Annotation{}
	}
	writeJSON(w, http.StatusOK, AnnotationListResponse{Path: path, Annotations: items, Mtime: doc.Mtime()})
}

// AddAnnotation handles POST /annotations/*.
//
//	@Summary		Attach a comment or task to a note
//	@Tags			annotations
//	@Accept			json
//	@Produce		json
//	@Param			path	path		string					true	"Note path"
//	@Param			body	body		AddAnnotationRequest	true	"Annotation"
//	@Success		201		{object}	annotation.Annotation
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/annotations/{path} [post]
func (h *Handler) AddAnnotation(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req AddAnnotationRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.ws.Annotations(path)
	if err != nil {
		writeError(w, "add annotation", err)
		return
	}
	a, err := doc.Add(annotation.Annotation{
		Kind:       req.Kind,
		Content:    req.Content,
		Task:       req.Task,
		Anchor:     req.Anchor,
		AnchorText: req.AnchorText,
	})
	if err != nil {
		writeError(w, "add annotation", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ResolveAnnotation handles PATCH /annotations/*.
func (h *Handler) ResolveAnnotation(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	var req ResolveAnnotationRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.ws.Annotations(path)
	if err != nil {
		writeError(w, "resolve annotation", err)
		return
	}
	if err := doc.SetResolved(req.ID, req.Resolved); err != nil {
		writeError(w, "resolve annotation", err)
		return
	}
	writeJSON(w, http.StatusOK, AnnotationListResponse{Path: path, Annotations: doc.Items(), Mtime: doc.Mtime()})
}

// GetOntology handles GET /ontology.
//
//	@Summary		Get the shared tag vocabulary
//	@Tags			ontology
//	@Produce		json
//	@Success		200	{object}	OntologyResponse
//	@Security		BearerAuth
//	@Router			/ontology [get]
func (h *Handler) GetOntology(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ws.Ontology().Load()
	if err != nil {
		writeError(w, "load ontology", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PutTag handles PUT /ontology/tags/{id}.
//
//	@Summary		Create or replace a tag definition
//	@Tags			ontology
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Tag ID"
//	@Param			body	body		TagRequest	true	"Definition"
//	@Success		200		{object}	ontology.TagDefinition
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ontology/tags/{id} [put]
func (h *Handler) PutTag(w http.ResponseWriter, r *http.Request) {
	var req TagRequest
	if !decode(w, r, &req) {
		return
	}
	def, err := h.ws.Ontology().UpsertTag(ontology.TagDefinition{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		Parent:      req.Parent,
	})
	if err != nil {
		writeError(w, "upsert tag", err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// DeleteTag handles DELETE /ontology/tags/{id}.
func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Ontology().RemoveTag(chi.URLParam(r, "id")); err != nil {
		writeError(w, "remove tag", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddSynonym handles POST /ontology/synonyms.
func (h *Handler) AddSynonym(w http.ResponseWriter, r *http.Request) {
	var req SynonymRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ws.Ontology().AddSynonym(req.Alias, req.TagID); err != nil {
		writeError(w, "add synonym", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
