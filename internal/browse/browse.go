// Package browse lists database files for the binding picker.
//
// The browser walks one directory at a time, rooted at a configured
// directory. Only subdirectories and files with an allowed database suffix
// appear in listings; everything else in the directory is skipped. Paths are
// resolved to absolute form so a returned entry can be handed straight back
// as a binding's database path.
package browse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jpl-au/treedb/internal/path"
)

var (
	// ErrNotFound is returned when the requested directory does not exist.
	ErrNotFound = errors.New("directory not found")
	// ErrNotDirectory is returned when the requested path is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// Entry is one row in a directory listing.
type Entry struct {
	Type         string  `json:"type"` // "directory" or "file"
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	RelativePath *string `json:"relative_path"` // nil when outside the root
}

// Listing describes one browsed directory.
type Listing struct {
	Root         string  `json:"root"`
	Directory    string  `json:"directory"`
	RelativePath *string `json:"relative_path"` // nil when outside the root
	Parent       *string `json:"parent"`        // nil at the filesystem root
	Entries      []Entry `json:"entries"`
}

// Browser lists directories relative to a fixed root.
type Browser struct {
	root       string
	extensions map[string]bool
}

// New creates a browser rooted at dir. Extensions are matched
// case-insensitively and must include the leading dot.
func New(root string, extensions []string) *Browser {
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &Browser{root: abs, extensions: exts}
}

// Root returns the browser's root directory.
func (b *Browser) Root() string {
	return b.root
}

// List resolves dir and returns its database-relevant entries. An empty dir
// means the root. Relative paths are resolved against the root, so clients
// can navigate with the relative_path values from earlier listings.
func (b *Browser) List(dir string) (*Listing, error) {
	target, err := b.resolve(dir)
	if err != nil {
		return nil, err
	}

	items, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", target, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		full := filepath.Join(target, item.Name())
		switch {
		case item.IsDir():
			entries = append(entries, Entry{
				Type:         "directory",
				Name:         item.Name(),
				Path:         full,
				RelativePath: b.relative(full),
			})
		case b.allowed(item.Name()):
			entries = append(entries, Entry{
				Type:         "file",
				Name:         item.Name(),
				Path:         full,
				RelativePath: b.relative(full),
			})
		}
	}

	// Directories first, then case-insensitive by name.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "directory"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	listing := &Listing{
		Root:         b.root,
		Directory:    target,
		RelativePath: b.relative(target),
		Entries:      entries,
	}
	if parent := filepath.Dir(target); parent != target {
		listing.Parent = &parent
	}
	return listing, nil
}

// resolve turns the raw dir parameter into an absolute, existing directory.
func (b *Browser) resolve(dir string) (string, error) {
	dir = strings.TrimSpace(dir)

	var target string
	switch {
	case dir == "":
		target = b.root
	case strings.HasPrefix(dir, "~"):
		expanded, err := path.ExpandHome(dir)
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		target = expanded
	case filepath.IsAbs(dir):
		target = filepath.Clean(dir)
	default:
		target = filepath.Join(b.root, dir)
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", target, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, target)
	}
	return target, nil
}

// relative computes the path relative to the root, or nil when the target
// sits outside it.
func (b *Browser) relative(path string) *string {
	rel, err := filepath.Rel(b.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	if rel == "." {
		rel = ""
	}
	return &rel
}

// allowed reports whether the file name carries a database suffix.
func (b *Browser) allowed(name string) bool {
	return b.extensions[strings.ToLower(filepath.Ext(name))]
}
