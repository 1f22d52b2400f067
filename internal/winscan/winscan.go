// Package winscan enumerates candidate native binaries inside a Windows
// installation tree.
package winscan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// DefaultPatterns matches the native binary types that commonly embed a
// CodeView debug record.
var DefaultPatterns = []string{
	"*.dll", "*.exe", "*.sys", "*.drv", "*.cpl", "*.mui", "*.ocx",
}

// compiledPattern holds both the pattern string and compiled glob.
type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

// Tree represents the root of an installed Windows system.
type Tree struct {
	root     string
	patterns []compiledPattern
	log      *zap.Logger
}

// New creates a Tree rooted at the given installation directory. Patterns
// are file-name globs matched case-insensitively; when empty,
// DefaultPatterns is used.
func New(root string, patterns []string, logger *zap.Logger) (*Tree, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	t := &Tree{
		root: root,
		log:  logger,
	}
	for _, pattern := range patterns {
		// Compile lowercased and match lowercased names, so "Foo.DLL" and
		// "foo.dll" are treated the same.
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}
		t.patterns = append(t.patterns, compiledPattern{pattern: pattern, glob: g})
	}
	return t, nil
}

// Root returns the installation root.
func (t *Tree) Root() string {
	return t.root
}

// System32Dir returns the System32 directory under the installation root.
func (t *Tree) System32Dir() string {
	return filepath.Join(t.root, "System32")
}

// CandidateBinaries lists files directly inside System32 whose name matches
// one of the configured patterns. The listing is non-recursive and the
// result order is whatever the directory listing produced. A listing error
// is fatal to the whole scan: without a readable System32 there is nothing
// to process.
func (t *Tree) CandidateBinaries() ([]string, error) {
	dir := t.System32Dir()
	t.log.Info("listing candidate binaries", zap.String("dir", dir))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !t.matches(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		t.log.Debug("candidate binary found", zap.String("path", path))
		files = append(files, path)
	}
	return files, nil
}

// matches reports whether the file name matches any configured pattern,
// ignoring case.
func (t *Tree) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, cp := range t.patterns {
		if cp.glob.Match(lower) {
			return true
		}
	}
	return false
}
