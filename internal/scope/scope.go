// Package scope decides which source paths an analysis covers, using
// doublestar glob rules.
package scope

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher matches repository-relative paths against include and exclude
// globs. A path is in scope when it matches some include pattern (or there
// are none) and no exclude pattern.
type Matcher struct {
	include []string
	exclude []string
}

// New validates the patterns and returns a matcher.
func New(include, exclude []string) (*Matcher, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return &Matcher{include: include, exclude: exclude}, nil
}

// ForDirectories returns a matcher covering everything below the given
// directories. An empty directory or "." covers the whole repository.
func ForDirectories(dirs []string, exclude []string) (*Matcher, error) {
	var include []string
	for _, d := range dirs {
		d = strings.Trim(path.Clean("/"+d), "/")
		if d == "" {
			include = nil
			break
		}
		include = append(include, d+"/**")
	}
	return New(include, exclude)
}

// Contains reports whether p is in scope.
func (m *Matcher) Contains(p string) bool {
	p = strings.TrimPrefix(path.Clean(p), "./")
	for _, pattern := range m.exclude {
		if match, _ := doublestar.Match(pattern, p); match {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, pattern := range m.include {
		if match, _ := doublestar.Match(pattern, p); match {
			return true
		}
	}
	return false
}

// Filter returns the paths that are in scope.
func (m *Matcher) Filter(paths []string) []string {
	var out []string
	for _, p := range paths {
		if m.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}
