package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jpl-au/treedb/internal/browse"
	"github.com/jpl-au/treedb/internal/engine"
	"github.com/jpl-au/treedb/internal/session"
	"github.com/jpl-au/treedb/internal/tree"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errMissingSession is returned when a session-scoped endpoint is called
// without a session id.
var errMissingSession = errors.New("missing session id")

// jsonError maps a domain error onto its status code and writes the standard
// error body. The mapping is part of the API contract: clients branch on 409
// to offer a takeover and on 410 to re-open a session.
func jsonError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errMissingSession):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrResourceConflict):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusGone
	case errors.Is(err, session.ErrInvalidBinding):
		status = http.StatusBadRequest
	case errors.Is(err, tree.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, tree.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownForeignKey):
		status = http.StatusNotFound
	case errors.Is(err, browse.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, browse.ErrNotDirectory):
		status = http.StatusBadRequest
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
