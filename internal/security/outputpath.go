// Package security guards the file paths the reconstruction tools write to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowedDirs reports a path that resolves outside every allowed
// directory.
var ErrOutsideAllowedDirs = errors.New("path outside allowed directories")

// canonicalPath returns the absolute, symlink-free form of p. When p does
// not exist yet, the nearest existing ancestor is resolved and the missing
// tail appended, so a symlinked parent cannot smuggle a new file elsewhere.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// WithinDir returns nil when path resolves inside dir (or is dir itself).
func WithinDir(path, dir string) error {
	cp, err := canonicalPath(path)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	cd, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(cd, cp)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s: %w", path, dir, ErrOutsideAllowedDirs)
	}
	return nil
}

// ValidateOutputPath accepts paths under the temp directory, the working
// directory or any of extraDirs.
func ValidateOutputPath(path string, extraDirs ...string) error {
	dirs := append([]string{os.TempDir()}, extraDirs...)
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if WithinDir(path, d) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", path, ErrOutsideAllowedDirs)
}

// SanitizeFilename maps s onto ASCII letters, digits, '.', '_' and '-',
// collapsing runs of other characters into one underscore. The result is
// at most 128 bytes and never empty.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
