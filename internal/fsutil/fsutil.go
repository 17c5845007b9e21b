// Package fsutil maps client-supplied paths onto the served root.
package fsutil

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	// ErrPathEscape means the path resolves outside the root.
	ErrPathEscape = errors.New("path escapes root")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute filesystem path under root for a
// given rel path. It does not touch the filesystem.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return filepath.Clean(rootAbs), nil
	}
	if strings.Contains(rel, "\x00") {
		return "", ErrInvalidPath
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if !within(filepath.Clean(rootAbs), abs) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// Resolve is JoinWithinRoot followed by symlink resolution, so a link
// inside root that points outside it is rejected with ErrPathEscape.
// A missing target yields an error wrapping fs.ErrNotExist.
func Resolve(rootAbs string, rel string) (string, error) {
	abs, err := JoinWithinRoot(rootAbs, rel)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if !within(realRoot, real) {
		return "", ErrPathEscape
	}
	return real, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
