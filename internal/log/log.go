// Package log provides centralised audit logging for treedb operations.
// Logs are stored in ~/.treedb/log/treedb-log.db and track session lifecycle
// events and tree mutations across databases.
//
// # Fluent API
//
// Use the fluent builder API to construct and write log entries:
//
//	log.Event("api:nodes", "create").
//		Session(sid).
//		Resource(binding.Key().String()).
//		Table(binding.TableName).
//		Node(id).
//		Write(err)
//
//	log.Event("api:session", "open").
//		Session(sid).
//		Detail("db", binding.DBPath).
//		Write(err)
//
// The source parameter follows the format "api:{endpoint}" for HTTP handlers
// or "sweep:{reason}" for background eviction. Examples: "api:nodes",
// "api:sort-order", "sweep:expired".
package log

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	global *Logger
	mu     sync.Mutex
)

// Entry represents a single log entry.
type Entry struct {
	Source   string // e.g., "api:nodes", "sweep:expired"
	Session  string // session identifier performing the action
	Resource string // hashed identity of the bound (database, table) pair
	Action   string // verb: open, create, update, move, delete, sweep, etc.
	Table    string // table the operation targets
	NodeID   int64  // input: node identifier targeted, when applicable

	// Output fields - populated after operation succeeds
	Affected int64 // output: rows created, updated or removed

	// Timing
	Start int64 // unix timestamp when Event() called
	End   int64 // unix timestamp when Write() called

	Success bool           // whether operation succeeded
	Error   string         // error message if failed
	Detail  map[string]any // additional operation-specific data
}

// Builder constructs a log entry using a fluent API.
// Create with [Event], chain methods to set fields, then call [Builder.Write]
// to write the entry.
type Builder struct {
	entry Entry
}

// Event creates a new log entry builder for an operation.
//
// The source identifies where the operation originated:
//   - HTTP handlers: "api:{endpoint}" (e.g., "api:nodes", "api:foreign")
//   - background eviction: "sweep:{reason}" (e.g., "sweep:expired")
//
// The action describes what operation was performed:
//   - "open", "rebind", "close", "create", "update", "move", "delete",
//     "restore", "rebuild", etc.
func Event(source, action string) *Builder {
	return &Builder{
		entry: Entry{
			Source: source,
			Action: action,
			Start:  time.Now().Unix(),
		},
	}
}

// Session sets which session performed the operation.
//
// Leave unset for operations that run outside any session, such as the
// background sweeper reporting totals.
func (b *Builder) Session(id string) *Builder {
	b.entry.Session = id
	return b
}

// Resource sets the identity of the bound (database, table) pair. The key is
// hashed before storage so logs can be aggregated per resource without
// recording filesystem paths. Set it per entry: concurrent sessions are bound
// to different resources, so there is no meaningful process-wide value.
func (b *Builder) Resource(key string) *Builder {
	b.entry.Resource = hash(key)
	return b
}

// Table sets the table this operation affects.
func (b *Builder) Table(name string) *Builder {
	b.entry.Table = name
	return b
}

// Node sets the node identifier this operation targets.
//
// Use for operations on a specific row. Leave unset for whole-table
// operations like listing or sort rebuilds.
func (b *Builder) Node(id int64) *Builder {
	b.entry.NodeID = id
	return b
}

// Affected sets the number of rows the operation touched (output).
//
// For deletes: the subtree size removed. For sort rebuilds: the rows
// renumbered. Set it only after the operation has succeeded.
func (b *Builder) Affected(n int64) *Builder {
	b.entry.Affected = n
	return b
}

// Detail adds a key-value pair to the log entry's detail map.
//
// Use for operation-specific data that doesn't fit standard fields:
// target parents, forced takeovers, database paths, etc.
// Can be called multiple times to add multiple details.
func (b *Builder) Detail(key string, value any) *Builder {
	if b.entry.Detail == nil {
		b.entry.Detail = make(map[string]any)
	}
	b.entry.Detail[key] = value
	return b
}

// Write writes the log entry to the database, deriving success/failure from err.
//
// If err is nil, the entry is logged as successful.
// If err is non-nil, the entry is logged as failed with the error message.
//
// This is the standard way to complete a log entry after an operation.
//
// Example:
//
//	removed, err := ops.CascadeDelete(ctx, id)
//	log.Event("api:nodes", "delete").Session(sid).Node(id).Affected(removed).Write(err)
func (b *Builder) Write(err error) {
	b.entry.End = time.Now().Unix()
	b.entry.Success = err == nil
	if err != nil {
		b.entry.Error = err.Error()
	}
	Log(b.entry)
}

// Open initialises the global logger. Safe to call multiple times.
// Errors are returned but callers may choose to ignore them (best-effort logging).
func Open() error {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return nil
	}

	p := dbPath()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return err
	}

	global = &Logger{db: db}
	return nil
}

// Log writes an entry. Safe to call if logger not initialised (no-op).
func Log(e Entry) {
	mu.Lock()
	l := global
	mu.Unlock()

	if l == nil {
		return
	}
	l.log(e)
}

// Close closes the global logger.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		global.db.Close()
		global = nil
	}
}
