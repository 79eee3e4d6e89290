package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/vaultkeep/internal/lock"
	"github.com/starford/vaultkeep/internal/session"
	"github.com/starford/vaultkeep/internal/testutil"
	"github.com/starford/vaultkeep/internal/window"
	"github.com/starford/vaultkeep/internal/workspace"
)

// testEnv sets up an in-memory vault, lock manager, workspace, and router.
// An empty authToken means auth is disabled.
func testEnv(t *testing.T, authToken string) (*testutil.MemVault, http.Handler) {
	t.Helper()
	vault, _, router := testEnvFull(t, authToken != "", authToken, nil)
	return vault, router
}

func testEnvFull(t *testing.T, authEnabled bool, authToken string, sseHandler http.Handler) (*testutil.MemVault, *workspace.Workspace, http.Handler) {
	t.Helper()

	vault := testutil.NewMemVault()
	locks, err := lock.NewManager(lock.NewFileStore(vault), lock.Options{Vault: "test", DeviceID: "dev-test"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ws := workspace.New(vault, locks, workspace.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.Shutdown(ctx)
	})
	return vault, ws, NewRouter(ws, authEnabled, authToken, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func openWindow(t *testing.T, router http.Handler, path string) WindowView {
	t.Helper()
	w := do(t, router, http.MethodPost, "/windows", map[string]string{"path": path})
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body = %s", w.Code, w.Body.String())
	}
	var v WindowView
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	return v
}

func TestOpenEditSave(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("hello.md", map[string]any{"title": "Hello"}, "# Hello", 100)

	v := openWindow(t, router, "hello.md")
	if v.Path != "hello.md" || v.State != window.StateActive {
		t.Fatalf("window = %+v", v)
	}
	if v.Session.Body != "# Hello" {
		t.Errorf("body = %q", v.Session.Body)
	}

	w := do(t, router, http.MethodPut, "/windows/"+v.ID+"/content", map[string]any{"body": "# Hello\nWorld"})
	if w.Code != http.StatusOK {
		t.Fatalf("edit status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/save", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SaveResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != "saved" {
		t.Errorf("outcome = %q, want saved", resp.Outcome)
	}
	if resp.Window.Session.State != session.StateClean {
		t.Errorf("state = %v, want clean", resp.Window.Session.State)
	}
	if got := vault.Body("hello.md"); got != "# Hello\nWorld" {
		t.Errorf("disk body = %q", got)
	}
}

func TestOpenWindow_Validation(t *testing.T) {
	_, router := testEnv(t, "")

	for _, path := range []string{"", "/abs.md", "../escape.md"} {
		w := do(t, router, http.MethodPost, "/windows", map[string]string{"path": path})
		if w.Code != http.StatusBadRequest {
			t.Errorf("open %q = %d, want 400", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/windows", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", w.Code)
	}
}

func TestOpenWindow_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/windows", map[string]string{"path": "nope.md"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing note = %d, want 404", w.Code)
	}
}

func TestSaveConflictAndResolve(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("c.md", nil, "base", 100)

	v := openWindow(t, router, "c.md")
	do(t, router, http.MethodPut, "/windows/"+v.ID+"/content", map[string]any{"body": "mine"})
	vault.PutNote("c.md", nil, "theirs", 200)

	w := do(t, router, http.MethodPost, "/windows/"+v.ID+"/save", nil)
	var resp SaveResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != "conflict" {
		t.Fatalf("outcome = %q, want conflict", resp.Outcome)
	}
	if resp.Window.Session.Conflict == nil || resp.Window.Session.Conflict.MyBody != "mine" {
		t.Fatalf("conflict = %+v", resp.Window.Session.Conflict)
	}
	if vault.Body("c.md") != "theirs" {
		t.Error("conflicting save must not overwrite the external change")
	}

	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/resolve", map[string]string{"resolution": "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus resolution = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/resolve", map[string]string{"resolution": "keep_mine"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", w.Code, w.Body.String())
	}
	if vault.Body("c.md") != "mine" {
		t.Errorf("disk body = %q, want mine", vault.Body("c.md"))
	}

	// Nothing left to resolve.
	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/resolve", map[string]string{"resolution": "keep_mine"})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve = %d, want 409", w.Code)
	}
}

func TestWindowLifecycle(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("a.md", nil, "A", 100)

	v := openWindow(t, router, "a.md")

	w := do(t, router, http.MethodPost, "/windows/"+v.ID+"/minimize", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("minimize = %d", w.Code)
	}
	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/minimize", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("minimize twice = %d, want 409", w.Code)
	}
	w = do(t, router, http.MethodPost, "/windows/"+v.ID+"/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate = %d", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/windows/"+v.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("soft close = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/windows/"+v.ID, nil)
	var got WindowView
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.State != window.StateCached {
		t.Errorf("state after close = %q, want cached", got.State)
	}

	// Reopening restores the cached window.
	again := openWindow(t, router, "a.md")
	if again.ID != v.ID {
		t.Errorf("reopen id = %q, want %q", again.ID, v.ID)
	}

	w = do(t, router, http.MethodDelete, "/windows/"+v.ID+"?hard=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("destroy = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/windows/"+v.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("destroyed window = %d, want 404", w.Code)
	}
}

func TestListWindows(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("a.md", nil, "A", 100)
	vault.PutNote("b.md", nil, "B", 100)
	openWindow(t, router, "a.md")
	openWindow(t, router, "b.md")

	w := do(t, router, http.MethodGet, "/windows", nil)
	var resp WindowListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Windows) != 2 {
		t.Errorf("windows = %d, want 2", len(resp.Windows))
	}
}

func TestNoteStatus(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("topics/s.md", nil, "S", 100)
	openWindow(t, router, "topics/s.md")

	w := do(t, router, http.MethodGet, "/locks/topics%2Fs.md", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var st workspace.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.Path != "topics/s.md" || !st.Exists || !st.HeldByMe {
		t.Errorf("status = %+v", st)
	}
	if len(st.Windows) != 1 {
		t.Errorf("windows = %d, want 1", len(st.Windows))
	}
}

func TestAnnotations(t *testing.T) {
	vault, router := testEnv(t, "")
	vault.PutNote("n.md", nil, "hello world", 100)

	w := do(t, router, http.MethodPost, "/annotations/n.md", map[string]any{
		"content":     "check this",
		"anchor":      map[string]int{"start": 6, "end": 11},
		"anchor_text": "world",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", w.Code, w.Body.String())
	}
	var added struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &added)
	if added.ID == "" {
		t.Fatal("annotation id is empty")
	}

	w = do(t, router, http.MethodPatch, "/annotations/n.md", map[string]any{"id": added.ID, "resolved": true})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/annotations/n.md", nil)
	var list AnnotationListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Annotations) != 1 || !list.Annotations[0].Resolved {
		t.Errorf("annotations = %+v", list.Annotations)
	}

	w = do(t, router, http.MethodPatch, "/annotations/n.md", map[string]any{"id": "ghost", "resolved": true})
	if w.Code != http.StatusNotFound {
		t.Errorf("resolve unknown = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodPost, "/annotations/n.md", map[string]any{"kind": "sticker", "anchor_text": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
}

func TestOntology(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPut, "/ontology/tags/proj", map[string]string{"name": "Project", "color": "#ff8800"})
	if w.Code != http.StatusOK {
		t.Fatalf("put tag = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodPost, "/ontology/synonyms", map[string]string{"alias": "PRJ", "tag_id": "proj"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("add synonym = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodPost, "/ontology/synonyms", map[string]string{"alias": "x", "tag_id": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Errorf("synonym to unknown tag = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodGet, "/ontology", nil)
	var doc OntologyResponse
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.Definitions["proj"].Name != "Project" {
		t.Errorf("definitions = %+v", doc.Definitions)
	}
	if doc.Synonyms["prj"] != "proj" {
		t.Errorf("synonyms = %+v", doc.Synonyms)
	}
	if doc.Version == "" {
		t.Error("version is empty")
	}

	w = do(t, router, http.MethodDelete, "/ontology/tags/proj", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete tag = %d", w.Code)
	}

	w = do(t, router, http.MethodPut, "/ontology/tags/empty", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("nameless tag = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/windows", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/windows", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/windows", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

// SSE endpoint auth tests.

func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, _, router := testEnvFull(t, true, "secret", sseStub())

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, _, router := testEnvFull(t, true, "tok", sseStub())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	_, _, router := testEnvFull(t, true, "tok", sseStub())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?access_token=tok", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with access_token query should not 401")
	}

	req = httptest.NewRequest(http.MethodGet, "/events?access_token=nope", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE with wrong query token = %d, want 401", w.Code)
	}
}
