// Package path resolves user-supplied filesystem paths.
//
// Database paths arrive from config files, environment variables and API
// payloads in whatever shape the user typed: relative, prefixed with ~, or
// already absolute. Everything funnels through Resolve so one file always has
// one absolute spelling. Resource locking compares paths by value and depends
// on that.
package path

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// without the prefix are returned unchanged.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Resolve expands a leading ~ and makes the path absolute and clean.
func Resolve(p string) (string, error) {
	expanded, err := ExpandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
