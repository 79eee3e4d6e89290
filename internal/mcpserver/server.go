// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes vault tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/vaultkeep/internal/annotation"
	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/ontology"
	"github.com/starford/vaultkeep/internal/workspace"
)

// Server wraps the MCP server with vault tools.
type Server struct {
	mcp *server.MCPServer
	ws  *workspace.Workspace
}

// New creates a new MCP server with all vault tools registered.
func New(ws *workspace.Workspace) *Server {
	s := &Server{ws: ws}

	s.mcp = server.NewMCPServer(
		"Vaultkeep",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the parsed content of a Markdown note (served from the content cache)."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. folder/note.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("note_status",
		mcp.WithDescription("Report whether a note is being edited: lock holder, open windows, cache state. "+
			"Check this before writing to a note another device may be editing."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
	), s.noteStatus)

	s.mcp.AddTool(mcp.NewTool("list_annotations",
		mcp.WithDescription("List the comments and tasks attached to a note."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
	), s.listAnnotations)

	s.mcp.AddTool(mcp.NewTool("add_annotation",
		mcp.WithDescription("Attach a comment or task to a span of a note. "+
			"Read the side-file contract first via the vaultkeep://side-files resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
		mcp.WithString("anchor_text", mcp.Required(), mcp.Description("Exact text of the annotated span")),
		mcp.WithString("content", mcp.Description("Comment text")),
		mcp.WithString("kind", mcp.Description("comment (default) or task")),
	), s.addAnnotation)

	s.mcp.AddTool(mcp.NewTool("list_tags",
		mcp.WithDescription("List the shared tag vocabulary with synonyms."),
	), s.listTags)

	s.mcp.AddTool(mcp.NewTool("define_tag",
		mcp.WithDescription("Create or replace a tag definition in the shared vocabulary."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Display name of the tag")),
		mcp.WithString("id", mcp.Description("Stable tag ID; generated when empty")),
		mcp.WithString("description", mcp.Description("What the tag means")),
		mcp.WithString("parent", mcp.Description("ID of the parent tag")),
	), s.defineTag)

	s.mcp.AddTool(mcp.NewTool("resolve_tag",
		mcp.WithDescription("Map a tag name, ID or synonym to its canonical definition."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Tag name, ID or synonym")),
	), s.resolveTag)

	// Resource: side-file contract.
	s.mcp.AddResource(
		mcp.NewResource(SideFilesURI, "Side-file Contract",
			mcp.WithResourceDescription("Layout of the annotation, ontology and lock files kept next to notes."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSideFilesResource,
	)

	return s
}

// ServeStdio serves MCP on stdin/stdout until stdin closes or ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.ws.Cache().GetFresh(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(c)
}

func (s *Server) noteStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.ws.Status(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) listAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.ws.Annotations(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items := doc.Items()
	if len(items) == 0 {
		return mcp.NewToolResultText("no annotations"), nil
	}
	return jsonResult(items)
}

func (s *Server) addAnnotation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	anchorText, err := req.RequireString("anchor_text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := annotation.Kind(req.GetString("kind", string(annotation.KindComment)))
	if kind != annotation.KindComment && kind != annotation.KindTask {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind: %s", kind)), nil
	}

	c, err := s.ws.Cache().GetFresh(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	start := strings.Index(c.Body, anchorText)
	if start < 0 {
		return mcp.NewToolResultError("anchor_text does not occur in the note body"), nil
	}

	doc, err := s.ws.Annotations(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a := annotation.Annotation{
		Kind:       kind,
		Content:    req.GetString("content", ""),
		Anchor:     annotation.Anchor{Start: start, End: start + len(anchorText)},
		AnchorText: anchorText,
	}
	if kind == annotation.KindTask {
		a.Task = &annotation.Task{}
	}
	added, err := doc.Add(a)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(added)
}

func (s *Server) listTags(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := s.ws.Ontology().Load()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(doc.Definitions) == 0 {
		return mcp.NewToolResultText("no tags defined"), nil
	}
	aliases := make(map[string][]string)
	for alias, id := range doc.Synonyms {
		aliases[id] = append(aliases[id], alias)
	}
	lines := make([]string, 0, len(doc.Definitions))
	for id, def := range doc.Definitions {
		line := fmt.Sprintf("%s (%s)", def.Name, id)
		if syn := aliases[id]; len(syn) > 0 {
			sort.Strings(syn)
			line += " aka " + strings.Join(syn, ", ")
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) defineTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def, err := s.ws.Ontology().UpsertTag(ontology.TagDefinition{
		ID:          req.GetString("id", ""),
		Name:        name,
		Description: req.GetString("description", ""),
		Parent:      req.GetString("parent", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("defined: %s (%s)", def.Name, def.ID)), nil
}

func (s *Server) resolveTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def, ok, err := s.ws.Ontology().Resolve(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown tag: %s", name)), nil
	}
	return jsonResult(def)
}

func (s *Server) readSideFilesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SideFilesURI,
			MIMEType: "text/markdown",
			Text:     SideFilesContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
