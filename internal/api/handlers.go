package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vaultkeep/internal/workspace"
)

// Handler holds API route handlers.
type Handler struct {
	ws *workspace.Workspace
}

// NewHandler creates a new Handler.
func NewHandler(ws *workspace.Workspace) *Handler {
	return &Handler{ws: ws}
}

// notePath extracts the note path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// OpenWindow handles POST /windows.
//
//	@Summary		Open a window onto a note, restoring a cached one when present
//	@Tags			windows
//	@Accept			json
//	@Produce		json
//	@Param			body	body		OpenWindowRequest	true	"Note to open"
//	@Success		201		{object}	WindowView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/windows [post]
func (h *Handler) OpenWindow(w http.ResponseWriter, r *http.Request) {
	var req OpenWindowRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.ws.Open(r.Context(), req.Path)
	if err != nil {
		writeError(w, "open window", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListWindows handles GET /windows.
//
//	@Summary		List open and cached windows
//	@Tags			windows
//	@Produce		json
//	@Success		200	{object}	WindowListResponse
//	@Security		BearerAuth
//	@Router			/windows [get]
func (h *Handler) ListWindows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WindowListResponse{Windows: h.ws.Windows()})
}

// GetWindow handles GET /windows/{id}.
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	view, err := h.ws.Window(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get window", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// EditWindow handles PUT /windows/{id}/content.
//
//	@Summary		Replace the window's buffer; an autosave follows after the debounce
//	@Tags			windows
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Window ID"
//	@Param			body	body		EditRequest	true	"New content"
//	@Success		200		{object}	WindowView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/windows/{id}/content [put]
func (h *Handler) EditWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req EditRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ws.Edit(id, req.Frontmatter, req.Body); err != nil {
		writeError(w, "edit window", err)
		return
	}
	h.respondWindow(w, id)
}

// SaveWindow handles POST /windows/{id}/save.
//
//	@Summary		Save now; a concurrent external change turns the window into a conflict
//	@Tags			windows
//	@Produce		json
//	@Param			id	path		string	true	"Window ID"
//	@Success		200	{object}	SaveResponse
//	@Failure		404	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/windows/{id}/save [post]
func (h *Handler) SaveWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.ws.Save(r.Context(), id)
	if err != nil {
		writeError(w, "save window", err)
		return
	}
	view, err := h.ws.Window(id)
	if err != nil {
		writeError(w, "save window", err)
		return
	}
	writeJSON(w, http.StatusOK, SaveResponse{Outcome: out.String(), Window: view})
}

// ResolveWindow handles POST /windows/{id}/resolve.
//
//	@Summary		Resolve the window's conflict
//	@Tags			windows
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Window ID"
//	@Param			body	body		ResolveRequest	true	"Resolution"
//	@Success		200		{object}	WindowView
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/windows/{id}/resolve [post]
func (h *Handler) ResolveWindow(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.ws.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		writeError(w, "resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// MinimizeWindow handles POST /windows/{id}/minimize.
func (h *Handler) MinimizeWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ws.Minimize(id); err != nil {
		writeError(w, "minimize window", err)
		return
	}
	h.respondWindow(w, id)
}

// ActivateWindow handles POST /windows/{id}/activate.
func (h *Handler) ActivateWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ws.Activate(id); err != nil {
		writeError(w, "activate window", err)
		return
	}
	h.respondWindow(w, id)
}

// CloseWindow handles DELETE /windows/{id}.
//
//	@Summary		Close a window (soft by default; hard=true destroys the session)
//	@Tags			windows
//	@Param			id		path	string	true	"Window ID"
//	@Param			hard	query	bool	false	"Destroy instead of caching"
//	@Success		204
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/windows/{id} [delete]
func (h *Handler) CloseWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("hard") == "true" {
		report, err := h.ws.Destroy(r.Context(), id)
		if err != nil {
			writeError(w, "destroy window", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": report.Saved, "copy_path": report.CopyPath})
		return
	}
	if err := h.ws.Close(r.Context(), id); err != nil {
		writeError(w, "close window", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NoteStatus handles GET /locks/*.
//
//	@Summary		Cache, lock and window state of a note
//	@Tags			locks
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	workspace.Status
//	@Security		BearerAuth
//	@Router			/locks/{path} [get]
func (h *Handler) NoteStatus(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	st, err := h.ws.Status(r.Context(), path)
	if err != nil {
		writeError(w, "note status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) respondWindow(w http.ResponseWriter, id string) {
	view, err := h.ws.Window(id)
	if err != nil {
		writeError(w, "get window", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
