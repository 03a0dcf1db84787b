package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"contenthistory/internal/content"
	"contenthistory/internal/export"
	"contenthistory/internal/gitrepo"
	"contenthistory/internal/history"
	"contenthistory/internal/policy"
	"contenthistory/internal/search"
	"contenthistory/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type testServer struct {
	handler http.Handler
	service *Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, store.MigrationsDir(filepath.Join("..", "..", "db", "migrations"), store.DialectSQLite)))

	sqlStore := store.NewSQLStore(db, store.DialectSQLite)
	rules := policy.Default()
	engine := history.New(history.NewSQLStore(sqlStore), rules, history.Options{})
	log := zerolog.Nop()

	svc := NewService(Deps{
		Store:   sqlStore,
		Engine:  engine,
		Content: content.NewService(engine),
		Policy:  rules,
		Search:  search.NewService(nil, search.NewSQLSearcher(sqlStore), log),
		Exports: export.NewService(sqlStore, nil, log),
		Git:     gitrepo.New(t.TempDir()),
	}, Options{}, log)
	return &testServer{handler: NewHTTPServer(svc, "http://localhost:5173", log).Handler(), service: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "u1")
	req.Header.Set("X-Actor-Name", "Editor")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	return payload
}

// createEdited creates a document and edits its title twice.
func (ts *testServer) createEdited(t *testing.T) int64 {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/documents", map[string]any{"title": "Draft", "body": "hello"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payload := decode(t, rr)
	doc := payload["document"].(map[string]any)
	id := int64(doc["id"].(float64))
	assert.Equal(t, "create", payload["action"].(map[string]any)["kind"])

	for _, title := range []string{"First", "Second"} {
		rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/documents/%d", id), map[string]any{"title": title, "body": "hello"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	return id
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, true, payload["ok"])
	assert.ElementsMatch(t, []any{"document", "tag"}, payload["observedTypes"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = ts.do(t, http.MethodGet, "/api/ready", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decode(t, rr)["status"])

	rr = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "history_http_requests_total")
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestDocumentHistoryOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createEdited(t)
	base := fmt.Sprintf("/api/history/consumers/document/%d", id)

	rr := ts.do(t, http.MethodGet, base+"/title/last-version", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["version"])

	rr = ts.do(t, http.MethodGet, base+"/title/text?version=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	text := decode(t, rr)
	assert.Equal(t, "First", text["text"])
	assert.Equal(t, float64(2), text["lastVersion"])

	rr = ts.do(t, http.MethodGet, base+"/title/text", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Second", decode(t, rr)["text"])

	rr = ts.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decode(t, rr)
	assert.Equal(t, float64(3), all["total"])

	rr = ts.do(t, http.MethodGet, base+"/title", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	byField := decode(t, rr)
	assert.Equal(t, float64(2), byField["total"])
	actions := byField["actions"].([]any)
	newest := actions[0].(map[string]any)
	assert.Equal(t, "edit", newest["kind"])
	assert.Equal(t, "u1", newest["actorId"])
	assert.Equal(t, "192.0.2.1", newest["origin"])
}

func TestActionAndDiffDetail(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createEdited(t)
	ctx := context.Background()

	actions, err := ts.service.store.ListActions(ctx, store.ActionFilter{ConsumerType: "document", ConsumerID: id, Field: "title"})
	require.NoError(t, err)
	require.Len(t, actions, 2)

	rr := ts.do(t, http.MethodGet, fmt.Sprintf("/api/history/actions/%d", actions[0].ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode(t, rr)
	diffs := detail["diffs"].([]any)
	require.Len(t, diffs, 1)
	diff := diffs[0].(map[string]any)
	assert.Equal(t, "title", diff["field"])
	assert.Equal(t, float64(1), diff["added"])
	assert.Equal(t, float64(1), diff["removed"])

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/history/diffs/%d", int64(diff["id"].(float64))), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	dd := decode(t, rr)
	assert.Equal(t, "Second", dd["text"])
	assert.NotNil(t, dd["prev"])
	assert.Nil(t, dd["next"])
	assert.Equal(t, dd["diff"].(map[string]any)["id"], dd["last"].(map[string]any)["id"])
	assert.NotEmpty(t, dd["lines"])

	rr = ts.do(t, http.MethodGet, "/api/history/diffs/99999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rr)["code"])

	rr = ts.do(t, http.MethodGet, "/api/history/actions/99999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRollbackOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createEdited(t)
	ctx := context.Background()

	first, err := ts.service.store.DiffsAtVersion(ctx, store.ConsumerRef{Type: "document", ID: id}, "title", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	path := fmt.Sprintf("/api/history/diffs/%d/rollback", first[0].ID)

	rr := ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	action := decode(t, rr)["action"].(map[string]any)
	assert.Equal(t, "rollback", action["kind"])
	assert.Equal(t, float64(first[0].ID), action["rollbackTo"])

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "First", decode(t, rr)["document"].(map[string]any)["title"])

	rr = ts.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "NOOP_ROLLBACK", decode(t, rr)["code"])
}

func TestDeleteRecordsAction(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createEdited(t)

	rr := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "delete", decode(t, rr)["action"].(map[string]any)["kind"])

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTagRoutes(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/tags", map[string]any{"title": "news"})
	require.Equal(t, http.StatusCreated, rr.Code)
	id := int64(decode(t, rr)["tag"].(map[string]any)["id"].(float64))

	rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/tags/%d", id), map[string]any{"title": "updates"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "edit", decode(t, rr)["action"].(map[string]any)["kind"])

	rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/tags/%d", id), map[string]any{"title": "updates"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decode(t, rr)["action"])

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/tags/%d", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "updates", decode(t, rr)["tag"].(map[string]any)["title"])
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing title", http.MethodPost, "/api/documents", map[string]any{"body": "x"}, http.StatusUnprocessableEntity},
		{"bad tag id", http.MethodPost, "/api/documents", map[string]any{"title": "x", "tagId": -1}, http.StatusUnprocessableEntity},
		{"bad id", http.MethodGet, "/api/documents/abc", nil, http.StatusUnprocessableEntity},
		{"bad date", http.MethodGet, "/api/history/actions?from=03-06-2024", nil, http.StatusUnprocessableEntity},
		{"bad kind", http.MethodGet, "/api/history/actions?kind=merge", nil, http.StatusUnprocessableEntity},
		{"bad limit", http.MethodGet, "/api/history/actions?limit=many", nil, http.StatusUnprocessableEntity},
		{"limit too large", http.MethodGet, "/api/history/actions?limit=9000", nil, http.StatusUnprocessableEntity},
		{"empty search", http.MethodGet, "/api/search", nil, http.StatusUnprocessableEntity},
		{"negative page", http.MethodGet, "/api/timeline?page=-1", nil, http.StatusUnprocessableEntity},
		{"unknown route", http.MethodGet, "/api/nope", nil, http.StatusNotFound},
		{"wrong method", http.MethodPatch, "/api/documents/1", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}

	rr := ts.do(t, http.MethodPost, "/api/documents", map[string]any{"body": "x"})
	payload := decode(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
	assert.Contains(t, payload["details"], "title required")
}

func TestActionLogFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.createEdited(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tags", strings.NewReader(`{"title":"anon"}`))
	req.RemoteAddr = "10.9.8.7:5555"
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/history/actions?actor=u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), decode(t, rr)["total"])

	rr = ts.do(t, http.MethodGet, "/api/history/actions?ip=10.9.*", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode(t, rr)
	assert.Equal(t, float64(1), page["total"])
	anon := page["actions"].([]any)[0].(map[string]any)
	assert.Nil(t, anon["actorId"])

	rr = ts.do(t, http.MethodGet, "/api/history/actions?kind=edit&type=document", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["total"])

	rr = ts.do(t, http.MethodGet, "/api/history/actions?to=2000-01-01", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decode(t, rr)["total"])
}

func TestTimelineAndAuthors(t *testing.T) {
	ts := newTestServer(t)
	ts.createEdited(t)

	createPublic := func(title string) int64 {
		rr := ts.do(t, http.MethodPost, "/api/documents", map[string]any{"title": title, "isPublic": true})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		return int64(decode(t, rr)["document"].(map[string]any)["id"].(float64))
	}
	publicID := createPublic("Announcement")
	removedID := createPublic("Retracted")
	rr := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", removedID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	publicEdit := ts.do(t, http.MethodPut, fmt.Sprintf("/api/documents/%d", publicID), map[string]any{"title": "Announcement v2", "isPublic": true})
	require.Equal(t, http.StatusOK, publicEdit.Code, publicEdit.Body.String())

	rr = ts.do(t, http.MethodGet, "/api/timeline?types=document", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	timeline := decode(t, rr)
	// private and deleted documents stay out of the feed, and so do edits
	// on the day of creation
	actions := timeline["actions"].([]any)
	require.Len(t, actions, 1)
	item := actions[0].(map[string]any)
	assert.Equal(t, "create", item["kind"])
	assert.Equal(t, float64(publicID), item["consumer"].(map[string]any)["id"])

	rr = ts.do(t, http.MethodGet, "/api/timeline?page=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["actions"])

	rr = ts.do(t, http.MethodGet, "/api/authors/top", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	authors := decode(t, rr)["authors"].([]any)
	require.Len(t, authors, 1)
	assert.Equal(t, float64(7), authors[0].(map[string]any)["Actions"])
}

func TestSearchFallsBackToSQL(t *testing.T) {
	ts := newTestServer(t)
	ts.createEdited(t)

	rr := ts.do(t, http.MethodGet, "/api/search?q=Second", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, "sql", payload["backend"])
	assert.Equal(t, float64(1), payload["total"])
	hit := payload["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "title", hit["field"])
	assert.Contains(t, hit["snippet"], "Second")
}

func TestExports(t *testing.T) {
	ts := newTestServer(t)
	ts.createEdited(t)

	rr := ts.do(t, http.MethodGet, "/api/history/actions.xlsx?type=document", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".xlsx")
	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Actions")
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	actions, err := ts.service.store.ListActions(context.Background(), store.ActionFilter{Kinds: []store.ActionKind{store.ActionEdit}})
	require.NoError(t, err)
	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/history/actions/%d/export?format=html", actions[0].ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "Second")

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/api/history/actions/%d/export?format=docx", actions[0].ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestGitExportOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createEdited(t)

	rr := ts.do(t, http.MethodPost, fmt.Sprintf("/api/history/consumers/document/%d/git-export", id), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	payload := decode(t, rr)
	assert.Equal(t, float64(3), payload["export"].(map[string]any)["commits"])
	assert.Len(t, payload["commits"], 3)

	rr = ts.do(t, http.MethodPost, "/api/history/consumers/document/4242/git-export", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{history.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("wrap: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{history.ErrNoOpRollback, http.StatusConflict, "NOOP_ROLLBACK"},
		{history.ErrCoercion, http.StatusUnprocessableEntity, "COERCION_FAILED"},
		{history.ErrConsistency, http.StatusInternalServerError, "HISTORY_INCONSISTENT"},
		{history.ErrStorage, http.StatusInternalServerError, "SERVER_ERROR"},
		{validationError("x"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		status, code, _, _ := mapError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
