// Package engine builds the per-request execution context.
//
// A Context binds one resolved session to one live connection and the
// session's cached schema descriptor. Every core operation - tree mutation,
// value coercion, schema access - runs through a Context; nothing is ever
// swapped in and out of process-wide state, so two sessions bound to
// different databases can always be served concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jpl-au/treedb/internal/coerce"
	"github.com/jpl-au/treedb/internal/schema"
	"github.com/jpl-au/treedb/internal/session"
	"github.com/jpl-au/treedb/internal/store"
	"github.com/jpl-au/treedb/internal/tree"
)

// ErrUnknownForeignKey indicates the requested column is not a foreign key of
// the bound table, even after a schema refresh.
var ErrUnknownForeignKey = errors.New("column is not a foreign key")

// Context is a short-lived, per-request binding of a session to a live
// connection. Callers must Close it when the request completes.
type Context struct {
	Session *session.Session
	DB      *store.DB
	Schema  *schema.Descriptor

	binding session.Binding
	coercer coerce.Coercer
}

// BindOptions controls how a Context is prepared.
type BindOptions struct {
	// RefreshMeta forces a schema refresh even when the cached descriptor is
	// clean, tolerating drift introduced behind the session's back.
	RefreshMeta bool
	// Bootstrap creates the bound table when the binding opts in. Only
	// session initialisation sets this; per-request binds trust the table
	// to exist.
	Bootstrap bool
}

// Bind opens a connection for the session's database and ensures the session
// carries a current schema descriptor. The descriptor stays owned by the
// session; the returned Context only borrows it for this request.
func Bind(ctx context.Context, s *session.Session, opts BindOptions) (*Context, error) {
	b := s.Binding()

	db, err := store.Open(b.DBPath)
	if err != nil {
		return nil, err
	}

	if opts.Bootstrap && b.AutoBootstrap {
		if err := db.Bootstrap(ctx, b.TableName, b.IDColumn, b.ParentColumn); err != nil {
			db.Close()
			return nil, err
		}
	}

	desc, dirty := s.Descriptor()
	if desc == nil || dirty || opts.RefreshMeta {
		desc, err = schema.Refresh(ctx, db, b.TableName)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("refresh schema for %s: %w", b.TableName, err)
		}
		s.SetDescriptor(desc)
	}

	return &Context{
		Session: s,
		DB:      db,
		Schema:  desc,
		binding: b,
		coercer: coerce.New(desc, b.ParentColumn),
	}, nil
}

// Close releases the request's connection.
func (c *Context) Close() error {
	return c.DB.Close()
}

// Binding returns the session configuration this context was built from.
func (c *Context) Binding() session.Binding {
	return c.binding
}

// Tree returns tree operations bound to this context's connection and schema.
func (c *Context) Tree() *tree.Ops {
	return tree.New(c.DB, c.Schema, c.binding.IDColumn, c.binding.ParentColumn)
}

// Coerce converts one wire value for the named column.
func (c *Context) Coerce(column string, value any) any {
	return c.coercer.Coerce(column, value)
}

// FetchOptions returns the picker options for a foreign key column. When the
// column is unknown the schema is refreshed once before giving up, so a
// foreign key added externally is picked up without a rebind.
func (c *Context) FetchOptions(ctx context.Context, column string, limit int) ([]schema.Option, error) {
	fk, ok := c.Schema.ForeignKeys[column]
	if !ok {
		desc, err := schema.Refresh(ctx, c.DB, c.binding.TableName)
		if err != nil {
			return nil, fmt.Errorf("refresh schema for %s: %w", c.binding.TableName, err)
		}
		c.Schema = desc
		c.Session.SetDescriptor(desc)
		c.coercer = coerce.New(desc, c.binding.ParentColumn)
		if fk, ok = desc.ForeignKeys[column]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownForeignKey, column)
		}
	}
	return schema.FetchOptions(ctx, c.DB, fk, limit)
}

// Initializer returns the session initialisation hook: it bootstraps the
// bound table when requested and performs the first schema refresh. The
// session manager calls it outside its critical section.
func Initializer() session.InitFunc {
	return func(ctx context.Context, s *session.Session) error {
		ec, err := Bind(ctx, s, BindOptions{RefreshMeta: true, Bootstrap: true})
		if err != nil {
			return err
		}
		return ec.Close()
	}
}
