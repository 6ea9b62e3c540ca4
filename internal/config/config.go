// Package config provides reading and writing of treedb configuration.
// Supports both global (~/.treedb/config.yaml) and local (.treedb/config.yaml).
// Reading: uses local if it exists, otherwise global.
// Environment variables prefixed TREEDB_ override file values, which keeps
// containerised deployments free of config files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jpl-au/treedb/internal/duration"
)

var (
	// ErrNoConfigPath is returned when the config path cannot be determined.
	ErrNoConfigPath = errors.New("cannot determine config path")
	// ErrInvalidValue is returned when a config value is invalid.
	ErrInvalidValue = errors.New("invalid config value")
)

// Scope represents the configuration scope (global or local).
type Scope int

const (
	// ScopeGlobal is user-wide config in ~/.treedb/config.yaml (default)
	ScopeGlobal Scope = iota
	// ScopeLocal is directory-specific config in .treedb/config.yaml
	ScopeLocal
)

// Server holds HTTP listener configuration.
type Server struct {
	Host string `yaml:"host,omitempty"`
	Port *int   `yaml:"port,omitempty"`
}

// Browse holds database file browser configuration.
type Browse struct {
	Root       string   `yaml:"root,omitempty"`
	Extensions []string `yaml:"extensions,omitempty"`
}

// Session holds session lifecycle configuration.
type Session struct {
	TimeoutSeconds *int `yaml:"timeout_seconds,omitempty"`
}

// Binding holds the default resource a new session binds to when the client
// supplies no overrides.
type Binding struct {
	DBFile        string `yaml:"db_file,omitempty"`
	Table         string `yaml:"table,omitempty"`
	IDColumn      string `yaml:"id_column,omitempty"`
	ParentColumn  string `yaml:"parent_column,omitempty"`
	AutoBootstrap *bool  `yaml:"auto_bootstrap,omitempty"`
}

// Defaults applied when not configured.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8765
	DefaultTimeoutSeconds = 1800
	DefaultDBFile         = "tree.db"
	DefaultTable          = "departments"
	DefaultIDColumn       = "id"
	DefaultParentColumn   = "parent"
)

// Validation bounds for configuration values.
const (
	MinPort           = 1
	MaxPort           = 65535
	MaxTimeoutSeconds = 7 * 24 * 3600 // one week - anything longer is "never"
)

// DefaultExtensions are the file suffixes the browser treats as databases.
var DefaultExtensions = []string{".db", ".sqlite", ".sqlite3", ".sqlite2"}

// Config contains configuration for treedb.
type Config struct {
	Server  Server  `yaml:"server,omitempty"`
	Browse  Browse  `yaml:"browse,omitempty"`
	Session Session `yaml:"session,omitempty"`
	Binding Binding `yaml:"binding,omitempty"`

	// path is the file this config was loaded from (for Save)
	path  string
	scope Scope
}

// Validate checks that all configured values are within acceptable bounds.
// Returns nil if all values are valid or not set (defaults will be used).
func (c *Config) Validate() error {
	if c.Server.Port != nil {
		v := *c.Server.Port
		if v < MinPort || v > MaxPort {
			return fmt.Errorf("%w: port must be between %d and %d, got %d",
				ErrInvalidValue, MinPort, MaxPort, v)
		}
	}
	if c.Session.TimeoutSeconds != nil {
		v := *c.Session.TimeoutSeconds
		if v > MaxTimeoutSeconds {
			return fmt.Errorf("%w: timeout_seconds must be at most %d, got %d",
				ErrInvalidValue, MaxTimeoutSeconds, v)
		}
	}
	for _, ext := range c.Browse.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%w: extension %q must start with a dot",
				ErrInvalidValue, ext)
		}
	}
	return nil
}

// Host returns the listen address (defaults to 127.0.0.1).
func (c *Config) Host() string {
	if c.Server.Host == "" {
		return DefaultHost
	}
	return c.Server.Host
}

// Port returns the listen port (defaults to 8765).
func (c *Config) Port() int {
	if c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// BrowseRoot returns the directory the file browser is rooted at
// (defaults to the current working directory).
func (c *Config) BrowseRoot() string {
	if c.Browse.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		return wd
	}
	return c.Browse.Root
}

// Extensions returns the file suffixes treated as database files.
func (c *Config) Extensions() []string {
	if len(c.Browse.Extensions) == 0 {
		return DefaultExtensions
	}
	return c.Browse.Extensions
}

// TimeoutSeconds returns the session idle timeout in seconds (defaults to
// 1800). Zero or negative disables expiry sweeping entirely.
func (c *Config) TimeoutSeconds() int {
	if c.Session.TimeoutSeconds == nil {
		return DefaultTimeoutSeconds
	}
	return *c.Session.TimeoutSeconds
}

// DBFile returns the default database file for new sessions.
func (c *Config) DBFile() string {
	if c.Binding.DBFile == "" {
		return DefaultDBFile
	}
	return c.Binding.DBFile
}

// Table returns the default table for new sessions.
func (c *Config) Table() string {
	if c.Binding.Table == "" {
		return DefaultTable
	}
	return c.Binding.Table
}

// IDColumn returns the default primary key column for new sessions.
func (c *Config) IDColumn() string {
	if c.Binding.IDColumn == "" {
		return DefaultIDColumn
	}
	return c.Binding.IDColumn
}

// ParentColumn returns the default parent reference column for new sessions.
func (c *Config) ParentColumn() string {
	if c.Binding.ParentColumn == "" {
		return DefaultParentColumn
	}
	return c.Binding.ParentColumn
}

// AutoBootstrap returns whether the default table is created and seeded when
// missing (defaults to true, so a fresh install serves a working tree).
func (c *Config) AutoBootstrap() bool {
	if c.Binding.AutoBootstrap == nil {
		return true
	}
	return *c.Binding.AutoBootstrap
}

// LocalPath returns the path to the local (directory) config file.
func LocalPath() string {
	return filepath.Join(".treedb", "config.yaml")
}

// GlobalPath returns the path to the global (user) config file: ~/.treedb/config.yaml
func GlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".treedb", "config.yaml")
}

// Load reads configuration: uses local if it exists, otherwise global.
// Environment overrides are applied last.
func Load() (*Config, error) {
	var cfg *Config
	var err error
	if _, serr := os.Stat(LocalPath()); serr == nil {
		cfg, err = LoadScope(ScopeLocal)
	} else {
		cfg, err = LoadScope(ScopeGlobal)
	}
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadScope reads configuration from a specific scope without applying
// environment overrides.
func LoadScope(scope Scope) (*Config, error) {
	path := pathForScope(scope)
	if path == "" {
		return &Config{scope: scope}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{path: path, scope: scope}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed config file %s: %w\n\nTo fix: edit the file to correct the YAML syntax, or delete it to use defaults", path, err)
	}
	cfg.path = path
	cfg.scope = scope

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv layers TREEDB_* environment variables over file values.
// Unparseable numeric values are ignored rather than failing startup.
func (c *Config) applyEnv() {
	if v := os.Getenv("TREEDB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TREEDB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = &n
		}
	}
	if v := os.Getenv("TREEDB_BROWSE_ROOT"); v != "" {
		c.Browse.Root = v
	}
	if v := os.Getenv("TREEDB_SESSION_TIMEOUT"); v != "" {
		if n, err := duration.ParseSeconds(v); err == nil {
			c.Session.TimeoutSeconds = &n
		}
	}
	if v := os.Getenv("TREEDB_DB_FILE"); v != "" {
		c.Binding.DBFile = v
	}
	if v := os.Getenv("TREEDB_TABLE"); v != "" {
		c.Binding.Table = v
	}
	if v := os.Getenv("TREEDB_ID_COLUMN"); v != "" {
		c.Binding.IDColumn = v
	}
	if v := os.Getenv("TREEDB_PARENT_COLUMN"); v != "" {
		c.Binding.ParentColumn = v
	}
	if v := os.Getenv("TREEDB_AUTO_BOOTSTRAP"); v != "" {
		b := v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
		c.Binding.AutoBootstrap = &b
	}
}

// Scope returns which scope this config was loaded from.
func (c *Config) Scope() Scope {
	return c.scope
}

// Save writes the configuration to its original location.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = pathForScope(c.scope)
	}
	if c.path == "" {
		return ErrNoConfigPath
	}
	return c.saveToPath(c.path)
}

// SaveScope writes the configuration to the specified scope.
func (c *Config) SaveScope(scope Scope) error {
	path := pathForScope(scope)
	if path == "" {
		return ErrNoConfigPath
	}
	return c.saveToPath(path)
}

// saveToPath writes configuration to a specific filesystem path.
// Creates parent directories as needed with mode 0755.
func (c *Config) saveToPath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// pathForScope returns the filesystem path for a given scope.
func pathForScope(scope Scope) string {
	switch scope {
	case ScopeLocal:
		return LocalPath()
	case ScopeGlobal:
		return GlobalPath()
	default:
		return ""
	}
}
