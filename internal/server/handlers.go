// handlers.go implements the API endpoints.
//
// Handlers follow one shape: resolve the session, bind an execution context,
// delegate to the domain package, translate errors through jsonError. The
// execution context is closed before the response is written so connections
// never outlive their request.

package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jpl-au/treedb/internal/engine"
	"github.com/jpl-au/treedb/internal/log"
	"github.com/jpl-au/treedb/internal/path"
	"github.com/jpl-au/treedb/internal/schema"
	"github.com/jpl-au/treedb/internal/session"
	"github.com/jpl-au/treedb/internal/store"
	"github.com/jpl-au/treedb/internal/tree"
)

// MetaResponse describes the bound table's live schema.
type MetaResponse struct {
	Columns     map[string]string            `json:"columns"`
	ForeignKeys map[string]schema.ForeignKey `json:"foreign_keys"`
	ColumnInfo  map[string]schema.Column     `json:"column_info"`
}

func (s *Server) handleMeta(c echo.Context) error {
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	resp := MetaResponse{
		Columns:     make(map[string]string, len(ec.Schema.Columns)),
		ForeignKeys: ec.Schema.ForeignKeys,
		ColumnInfo:  make(map[string]schema.Column, len(ec.Schema.Columns)),
	}
	for _, col := range ec.Schema.Columns {
		resp.Columns[col.Name] = col.DeclaredType
		resp.ColumnInfo[col.Name] = col
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListNodes(c echo.Context) error {
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	rows, err := ec.Tree().List(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCreateNode(c echo.Context) error {
	var payload tree.Row
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
	}
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	row, err := ec.Tree().Insert(c.Request().Context(), payload)
	log.Event("api:nodes", "create").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Write(err)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, row)
}

func (s *Server) handleUpdateNode(c echo.Context) error {
	id, err := nodeID(c)
	if err != nil {
		return jsonError(c, err)
	}
	var payload tree.Row
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
	}
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	row, err := ec.Tree().Update(c.Request().Context(), id, payload)
	log.Event("api:nodes", "update").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Node(id).
		Write(err)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) handleDeleteNode(c echo.Context) error {
	id, err := nodeID(c)
	if err != nil {
		return jsonError(c, err)
	}
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	removed, err := ec.Tree().CascadeDelete(c.Request().Context(), id)
	log.Event("api:nodes", "delete").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Node(id).
		Affected(removed).
		Write(err)
	if err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// MoveRequest reparents a node. Parent is loosely typed: null detaches the
// node to the root, numbers and numeric strings name the new parent.
type MoveRequest struct {
	Parent any `json:"parent"`
}

func (s *Server) handleMoveNode(c echo.Context) error {
	id, err := nodeID(c)
	if err != nil {
		return jsonError(c, err)
	}
	var req MoveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
	}
	parent, err := parseParent(req.Parent)
	if err != nil {
		return jsonError(c, err)
	}
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	ops := ec.Tree()
	err = ops.Move(c.Request().Context(), id, parent)
	b := log.Event("api:nodes", "move").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Node(id)
	if parent != nil {
		b.Detail("parent", *parent)
	}
	b.Write(err)
	if err != nil {
		return jsonError(c, err)
	}

	row, err := ops.Get(c.Request().Context(), id)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

// RestoreRequest re-inserts previously deleted rows, ids included.
type RestoreRequest struct {
	Nodes []tree.Row `json:"nodes"`
}

// RestoreResponse reports how many rows were written back.
type RestoreResponse struct {
	Restored int `json:"restored"`
}

func (s *Server) handleRestoreNodes(c echo.Context) error {
	var req RestoreRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
	}
	if len(req.Nodes) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "no nodes to restore"})
	}
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	restored, err := ec.Tree().Restore(c.Request().Context(), req.Nodes)
	log.Event("api:nodes", "restore").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Affected(int64(restored)).
		Write(err)
	if err != nil {
		return jsonError(c, err)
	}
	// A restore may resurrect columns' worth of data the cached descriptor
	// has never seen; force a refresh on the next bind.
	sess.InvalidateDescriptor()
	return c.JSON(http.StatusOK, RestoreResponse{Restored: restored})
}

// sortOrderColumn is the conventional column the rebuild endpoint targets.
const sortOrderColumn = "sort_order"

// RebuildResponse reports how many rows were renumbered.
type RebuildResponse struct {
	Updated int64 `json:"updated"`
}

func (s *Server) handleRebuildSortOrder(c echo.Context) error {
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	if !ec.Schema.HasColumn(sortOrderColumn) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "table has no sort_order column"})
	}
	updated, err := ec.Tree().RebuildSortOrder(c.Request().Context(), sortOrderColumn)
	log.Event("api:sort-order", "rebuild").
		Session(sess.ID()).
		Resource(ec.Binding().Key().String()).
		Table(ec.Binding().TableName).
		Affected(updated).
		Write(err)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, RebuildResponse{Updated: updated})
}

func (s *Server) handleForeignOptions(c echo.Context) error {
	column := c.Param("column")
	sess, err := s.requireSession(c)
	if err != nil {
		return jsonError(c, err)
	}
	ec, err := engine.Bind(c.Request().Context(), sess, engine.BindOptions{RefreshMeta: true})
	if err != nil {
		return jsonError(c, err)
	}
	defer ec.Close()

	options, err := ec.FetchOptions(c.Request().Context(), column, schema.DefaultOptionLimit)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, options)
}

// ConfigSnapshot is the wire form of a session binding.
type ConfigSnapshot struct {
	DBPath        string  `json:"db_path"`
	TableName     string  `json:"table_name"`
	IDColumn      string  `json:"id_column"`
	ParentColumn  string  `json:"parent_column"`
	AutoBootstrap bool    `json:"auto_bootstrap"`
	SessionID     *string `json:"session_id"`
}

func snapshot(b session.Binding, sessionID *string) ConfigSnapshot {
	return ConfigSnapshot{
		DBPath:        b.DBPath,
		TableName:     b.TableName,
		IDColumn:      b.IDColumn,
		ParentColumn:  b.ParentColumn,
		AutoBootstrap: b.AutoBootstrap,
		SessionID:     sessionID,
	}
}

func (s *Server) handleGetConfig(c echo.Context) error {
	id := sessionID(c)
	if id == "" {
		return c.JSON(http.StatusOK, snapshot(s.config.Defaults, nil))
	}
	// Probing the binding must not extend the session's life.
	sess := s.sessions.Get(id, false)
	if sess == nil {
		return jsonError(c, session.ErrSessionNotFound)
	}
	return c.JSON(http.StatusOK, snapshot(sess.Binding(), &id))
}

// ConfigRequest opens or rebinds a session. Force is loosely typed like
// AutoBootstrap; when set, a conflicting session is evicted instead of the
// request failing with 409.
type ConfigRequest struct {
	session.Payload
	Force any `json:"force"`
}

func (s *Server) handleUpdateConfig(c echo.Context) error {
	var req ConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
	}
	force := session.ParseBool(req.Force)

	id := sessionID(c)
	var sess *session.Session
	var err error
	if id != "" {
		sess, err = s.sessions.Mutate(c.Request().Context(), id, req.Payload, force)
		b := log.Event("api:config", "rebind").Session(id).Detail("force", force)
		if err == nil {
			b.Resource(sess.Binding().Key().String())
		}
		b.Write(err)
	} else {
		if force {
			// No session to mutate, but the caller may still be taking over
			// a resource held by someone else.
			if binding, nerr := req.Payload.Normalize(); nerr == nil {
				s.sessions.ForceRelease(binding.Key())
			}
		}
		sess, err = s.sessions.Open(c.Request().Context(), req.Payload)
		if err == nil {
			log.Event("api:config", "open").
				Session(sess.ID()).
				Resource(sess.Binding().Key().String()).
				Write(nil)
		} else {
			log.Event("api:config", "open").Write(err)
		}
	}
	if err != nil {
		return jsonError(c, err)
	}

	sid := sess.ID()
	return c.JSON(http.StatusOK, snapshot(sess.Binding(), &sid))
}

// TablesResponse lists the tables of an arbitrary database file.
type TablesResponse struct {
	DBPath string            `json:"db_path"`
	Tables []store.TableInfo `json:"tables"`
}

func (s *Server) handleListTables(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("db_path"))
	if raw == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing db_path parameter"})
	}
	resolved, err := path.Resolve(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "cannot resolve db_path"})
	}

	// Stat before opening: the driver would silently create a missing file.
	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "database file not found"})
	}
	if err != nil {
		return jsonError(c, err)
	}
	if info.IsDir() {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "target is not a file"})
	}

	db, err := store.Open(resolved)
	if err != nil {
		return jsonError(c, err)
	}
	defer db.Close()

	tables, err := db.ListTables(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, TablesResponse{DBPath: resolved, Tables: tables})
}

func (s *Server) handleBrowseDatabases(c echo.Context) error {
	listing, err := s.browser.List(c.QueryParam("dir"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, listing)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id := sessionID(c)
	if id == "" {
		return jsonError(c, errMissingSession)
	}
	// Capture the binding before the session is gone, for the audit trail.
	sess := s.sessions.Get(id, false)
	if sess == nil || !s.sessions.Close(id) {
		return jsonError(c, session.ErrSessionNotFound)
	}
	log.Event("api:session", "close").
		Session(id).
		Resource(sess.Binding().Key().String()).
		Write(nil)
	return c.NoContent(http.StatusNoContent)
}

// nodeID parses the :id path parameter. Anything non-numeric is treated as a
// missing node rather than a routing error.
func nodeID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, tree.ErrNotFound
	}
	return id, nil
}

// parseParent converts the loosely typed parent field of a move request.
func parseParent(v any) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		id := int64(t)
		return &id, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil, nil
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, tree.ErrValidation
		}
		return &id, nil
	default:
		return nil, tree.ErrValidation
	}
}
