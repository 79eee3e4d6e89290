package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/vaultkeep/internal/annotation"
	"github.com/starford/vaultkeep/internal/ontology"
	"github.com/starford/vaultkeep/internal/session"
	"github.com/starford/vaultkeep/internal/workspace"
)

// OpenWindowRequest is the request body for opening a window.
type OpenWindowRequest struct {
	Path string `json:"path" example:"notes/hello.md" validate:"required"`
}

func (r OpenWindowRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, validation.By(relativePath)),
	)
}

// EditRequest replaces a window's buffer.
type EditRequest struct {
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Body        string         `json:"body" example:"# Hello"`
}

// ResolveRequest picks a conflict resolution.
type ResolveRequest struct {
	Resolution session.Resolution `json:"resolution" example:"keep_both" validate:"required"`
}

func (r ResolveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Resolution, validation.Required, validation.In(
			session.ResolutionAcceptExternal,
			session.ResolutionKeepMine,
			session.ResolutionKeepBoth,
		)),
	)
}

// AddAnnotationRequest creates a comment or task on a note.
type AddAnnotationRequest struct {
	Kind       annotation.Kind   `json:"kind" example:"comment"`
	Content    string            `json:"content"`
	Task       *annotation.Task  `json:"task,omitempty"`
	Anchor     annotation.Anchor `json:"anchor"`
	AnchorText string            `json:"anchor_text" validate:"required"`
}

func (r AddAnnotationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.In(annotation.KindComment, annotation.KindTask)),
		validation.Field(&r.AnchorText, validation.Required),
	)
}

// ResolveAnnotationRequest toggles an annotation's resolved flag.
type ResolveAnnotationRequest struct {
	ID       string `json:"id" validate:"required"`
	Resolved bool   `json:"resolved"`
}

func (r ResolveAnnotationRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.ID, validation.Required))
}

// TagRequest is the body of PUT /ontology/tags/{id}.
type TagRequest struct {
	Name        string `json:"name" example:"project" validate:"required"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty" example:"#ff8800"`
	Parent      string `json:"parent,omitempty"`
}

func (r TagRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Name, validation.Required))
}

// SynonymRequest maps an alias onto a tag.
type SynonymRequest struct {
	Alias string `json:"alias" validate:"required"`
	TagID string `json:"tag_id" validate:"required"`
}

func (r SynonymRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Alias, validation.Required),
		validation.Field(&r.TagID, validation.Required),
	)
}

// WindowView is the window payload (aliased from the domain layer).
type WindowView = workspace.WindowView

// WindowListResponse wraps the window table.
type WindowListResponse struct {
	Windows []WindowView `json:"windows" validate:"required"`
}

// SaveResponse reports the outcome of an explicit save.
type SaveResponse struct {
	Outcome string     `json:"outcome" example:"saved" validate:"required"`
	Window  WindowView `json:"window" validate:"required"`
}

// AnnotationListResponse is the annotation list of one note.
type AnnotationListResponse struct {
	Path        string                  `json:"path" validate:"required"`
	Annotations []annotation.Annotation `json:"annotations" validate:"required"`
	Mtime       int64                   `json:"mtime"`
}

// OntologyResponse is the shared tag vocabulary (aliased from the domain layer).
type OntologyResponse = ontology.Document

func relativePath(v any) error {
	p, _ := v.(string)
	if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return validation.NewError("validation_path_relative", "must be a vault-relative path")
	}
	return nil
}
