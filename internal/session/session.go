// Package session arbitrates exclusive access to (database, table) resources.
//
// Every caller binds to a database file and table at runtime. At most one
// live session may operate on a given pair at a time; the session registry
// and the lock table are the only state shared across requests, guarded by
// one mutex that is held for bookkeeping only and never across a database
// call. Schema initialisation therefore happens outside the critical
// section, with registration rolled back if it fails.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jpl-au/treedb/internal/path"
	"github.com/jpl-au/treedb/internal/schema"
)

var (
	// ErrResourceConflict indicates the target database and table are owned
	// by another live session. Requires a corrected binding or an explicit
	// force; never retried automatically.
	ErrResourceConflict = errors.New("database and table are in use by another session")
	// ErrSessionNotFound indicates the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrInvalidBinding indicates a malformed binding payload.
	ErrInvalidBinding = errors.New("invalid binding")
)

// ResourceKey identifies the unit of exclusive locking: one table inside one
// database file. Equality is by value; the path is normalized to absolute
// form before a key is built so spellings of the same file collide.
type ResourceKey struct {
	DBPath string
	Table  string
}

// String renders the key as "path::table", the canonical form used for audit
// log resource identity.
func (k ResourceKey) String() string {
	return k.DBPath + "::" + k.Table
}

// Binding is a session's normalized configuration: which database file and
// table it operates on, and how the tree columns are named.
type Binding struct {
	DBPath        string `json:"db_path"`
	TableName     string `json:"table_name"`
	IDColumn      string `json:"id_column"`
	ParentColumn  string `json:"parent_column"`
	AutoBootstrap bool   `json:"auto_bootstrap"`
}

// Key returns the resource this binding locks.
func (b Binding) Key() ResourceKey {
	return ResourceKey{DBPath: b.DBPath, Table: b.TableName}
}

// Payload is the wire shape of a session open/mutate request. AutoBootstrap
// is loosely typed because clients send it as bool, number or string.
type Payload struct {
	DBPath        string `json:"db_path"`
	TableName     string `json:"table_name"`
	IDColumn      string `json:"id_column"`
	ParentColumn  string `json:"parent_column"`
	AutoBootstrap any    `json:"auto_bootstrap"`
}

// Normalize validates the payload and resolves it into a Binding. The
// database path is expanded and made absolute so that equal files produce
// equal resource keys.
func (p Payload) Normalize() (Binding, error) {
	dbPath := strings.TrimSpace(p.DBPath)
	if dbPath == "" {
		return Binding{}, fmt.Errorf("%w: db_path is required", ErrInvalidBinding)
	}
	table := strings.TrimSpace(p.TableName)
	if table == "" {
		return Binding{}, fmt.Errorf("%w: table_name is required", ErrInvalidBinding)
	}
	idColumn := strings.TrimSpace(p.IDColumn)
	if idColumn == "" {
		return Binding{}, fmt.Errorf("%w: id_column is required", ErrInvalidBinding)
	}
	parentColumn := strings.TrimSpace(p.ParentColumn)
	if parentColumn == "" {
		return Binding{}, fmt.Errorf("%w: parent_column is required", ErrInvalidBinding)
	}

	resolved, err := path.Resolve(dbPath)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: cannot resolve db_path: %v", ErrInvalidBinding, err)
	}

	return Binding{
		DBPath:        resolved,
		TableName:     table,
		IDColumn:      idColumn,
		ParentColumn:  parentColumn,
		AutoBootstrap: ParseBool(p.AutoBootstrap),
	}, nil
}

// ParseBool interprets the loose boolean encodings clients send. Anything
// unrecognised is false.
func ParseBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		lowered := strings.ToLower(strings.TrimSpace(t))
		return lowered == "true" || lowered == "1" || lowered == "yes" || lowered == "y" || lowered == "on"
	default:
		return false
	}
}

// Session is one caller's exclusive claim on a resource. The cached schema
// descriptor belongs to the session alone; it is never shared with another
// session, even transiently.
type Session struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	binding   Binding
	lastSeen  time.Time
	desc      *schema.Descriptor
	metaDirty bool
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Binding returns the session's current configuration.
func (s *Session) Binding() Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// LastSeen returns the session's last-active time.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Descriptor returns the cached schema descriptor and whether it needs a
// refresh before use.
func (s *Session) Descriptor() (*schema.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc, s.metaDirty
}

// SetDescriptor installs a freshly introspected descriptor.
func (s *Session) SetDescriptor(d *schema.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = d
	s.metaDirty = false
}

// InvalidateDescriptor forces the next bind to refresh the schema. Used when
// drift is detected or suspected, e.g. after a bulk restore.
func (s *Session) InvalidateDescriptor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaDirty = true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) lastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// setBinding swaps the configuration and discards the cached descriptor: a
// rebind always invalidates schema knowledge.
func (s *Session) setBinding(b Binding, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = b
	s.desc = nil
	s.metaDirty = true
	s.lastSeen = now
}

// Info is a point-in-time snapshot of a session for diagnostics.
type Info struct {
	ID        string    `json:"id"`
	Binding   Binding   `json:"binding"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.id,
		Binding:   s.binding,
		CreatedAt: s.createdAt,
		LastSeen:  s.lastSeen,
	}
}
