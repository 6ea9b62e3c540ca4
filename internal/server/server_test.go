package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jpl-au/treedb/internal/browse"
	"github.com/jpl-au/treedb/internal/engine"
	"github.com/jpl-au/treedb/internal/session"
)

// setupServer builds a server over a fresh session manager and a temp browse
// root. Returns the server and a directory for database files.
func setupServer(t *testing.T) (*Server, string) {
	t.Helper()

	dir := t.TempDir()
	sessions := session.NewManager(30*time.Minute, engine.Initializer())
	browser := browse.New(dir, []string{".db", ".sqlite"})

	srv, err := NewServer(sessions, browser, zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	return srv, dir
}

// do performs one request against the server's router.
func do(srv *Server, method, target, body, sid string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if sid != "" {
		req.Header.Set("X-Session-Id", sid)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

// openSession opens a bootstrapped session and returns its id.
func openSession(t *testing.T, srv *Server, dir, table string) string {
	t.Helper()

	body := fmt.Sprintf(`{"db_path": %q, "table_name": %q, "id_column": "id",
		"parent_column": "parent", "auto_bootstrap": true}`,
		filepath.Join(dir, "test.db"), table)
	rec := do(srv, http.MethodPost, "/api/config", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap ConfigSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.SessionID)
	return *snap.SessionID
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupServer(t)

	rec := do(srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestConfig_OpenAndConflict(t *testing.T) {
	srv, dir := setupServer(t)

	sid := openSession(t, srv, dir, "departments")
	assert.NotEmpty(t, sid)

	// Second claim on the same resource fails.
	body := fmt.Sprintf(`{"db_path": %q, "table_name": "departments",
		"id_column": "id", "parent_column": "parent", "auto_bootstrap": true}`,
		filepath.Join(dir, "test.db"))
	rec := do(srv, http.MethodPost, "/api/config", body, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Forcing takes the resource over and evicts the holder.
	forced := strings.Replace(body, `"auto_bootstrap": true`, `"auto_bootstrap": true, "force": true`, 1)
	rec = do(srv, http.MethodPost, "/api/config", forced, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(srv, http.MethodGet, "/api/nodes", "", sid)
	assert.Equal(t, http.StatusGone, rec.Code, "evicted session is gone")
}

func TestConfig_InvalidBinding(t *testing.T) {
	srv, _ := setupServer(t)

	rec := do(srv, http.MethodPost, "/api/config", `{"db_path": "x.db"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfig_DefaultsWithoutSession(t *testing.T) {
	srv, _ := setupServer(t)

	rec := do(srv, http.MethodGet, "/api/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap ConfigSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Nil(t, snap.SessionID)
}

func TestSession_RequiredAndExpired(t *testing.T) {
	srv, _ := setupServer(t)

	rec := do(srv, http.MethodGet, "/api/nodes", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodGet, "/api/nodes", "", "bogus")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSession_QueryParamWorksToo(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/nodes?session="+sid, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession_Delete(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodDelete, "/api/session?session="+sid, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(srv, http.MethodDelete, "/api/session?session="+sid, "", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestMeta(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/meta", "", sid)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta MetaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "TEXT", meta.Columns["name"])
	assert.Contains(t, meta.ForeignKeys, "parent")
	assert.True(t, meta.ColumnInfo["id"].PrimaryKey)
}

func TestNodes_CRUD(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/nodes", "", sid)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 5)

	// Create
	rec = do(srv, http.MethodPost, "/api/nodes",
		`{"parent": 3, "name": "Data", "budget": "250000"}`, sid)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, float64(6), created["id"])
	assert.Equal(t, float64(250000), created["budget"], "string coerced into REAL")

	// Update
	rec = do(srv, http.MethodPut, "/api/nodes/6", `{"name": "Data Platform"}`, sid)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Data Platform", updated["name"])

	// Update missing
	rec = do(srv, http.MethodPut, "/api/nodes/99", `{"name": "x"}`, sid)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Empty payload
	rec = do(srv, http.MethodPost, "/api/nodes", `{"bogus": 1}`, sid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Cascade delete: Engineering and its three children (incl. the new one)
	rec = do(srv, http.MethodDelete, "/api/nodes/3", "", sid)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(srv, http.MethodGet, "/api/nodes", "", sid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	rec = do(srv, http.MethodDelete, "/api/nodes/99", "", sid)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNodes_Move(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodPost, "/api/nodes/4/move", `{"parent": 2}`, sid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var row map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, float64(2), row["parent"])

	// To the root.
	rec = do(srv, http.MethodPost, "/api/nodes/4/move", `{"parent": null}`, sid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Nil(t, row["parent"])

	// A cycle is rejected before anything is written.
	rec = do(srv, http.MethodPost, "/api/nodes/1/move", `{"parent": 5}`, sid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodPost, "/api/nodes/99/move", `{"parent": null}`, sid)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNodes_Restore(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/nodes", "", sid)
	require.Equal(t, http.StatusOK, rec.Code)
	captured := rec.Body.String()

	rec = do(srv, http.MethodDelete, "/api/nodes/1", "", sid)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(srv, http.MethodPost, "/api/nodes/restore",
		`{"nodes": `+captured+`}`, sid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RestoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Restored)

	rec = do(srv, http.MethodGet, "/api/nodes", "", sid)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 5)

	rec = do(srv, http.MethodPost, "/api/nodes/restore", `{"nodes": []}`, sid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSortOrder_MissingColumn(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	// The bootstrapped table has no sort_order column.
	rec := do(srv, http.MethodPost, "/api/sort-order/rebuild", "", sid)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForeignOptions(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/foreign/parent", "", sid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var options []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &options))
	assert.Len(t, options, 5)

	rec = do(srv, http.MethodGet, "/api/foreign/name", "", sid)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTables(t *testing.T) {
	srv, dir := setupServer(t)
	openSession(t, srv, dir, "departments")

	dbPath := filepath.Join(dir, "test.db")
	rec := do(srv, http.MethodGet, "/api/config/tables?db_path="+dbPath, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TablesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "departments", resp.Tables[0].Name)
	assert.Contains(t, resp.Tables[0].Columns, "budget")

	rec = do(srv, http.MethodGet, "/api/config/tables", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodGet, "/api/config/tables?db_path="+filepath.Join(dir, "nope.db"), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrowseDatabases(t *testing.T) {
	srv, dir := setupServer(t)
	openSession(t, srv, dir, "departments")

	rec := do(srv, http.MethodGet, "/api/config/db-files", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing browse.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "test.db", listing.Entries[0].Name)

	rec = do(srv, http.MethodGet, "/api/config/db-files?dir=nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfig_Rebind(t *testing.T) {
	srv, dir := setupServer(t)
	sid := openSession(t, srv, dir, "departments")

	// Rebinding the same session to another table keeps its id.
	body := fmt.Sprintf(`{"db_path": %q, "table_name": "teams",
		"id_column": "id", "parent_column": "parent", "auto_bootstrap": true}`,
		filepath.Join(dir, "test.db"))
	rec := do(srv, http.MethodPost, "/api/config?session="+sid, body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap ConfigSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.SessionID)
	assert.Equal(t, sid, *snap.SessionID)
	assert.Equal(t, "teams", snap.TableName)

	// The old table is free for someone else now.
	rec = do(srv, http.MethodPost, "/api/config",
		strings.Replace(body, "teams", "departments", 1), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
