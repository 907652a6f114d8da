package relay

import (
	"fmt"
	"strings"
)

// Characters that may not appear in a path segment.
const reservedChars = ".#$[]"

// Clean validates p and returns it without leading or trailing slashes.
// The empty string is the root.
func Clean(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if strings.ContainsAny(seg, reservedChars) {
			return "", fmt.Errorf("%w: reserved character in %q", ErrInvalidPath, seg)
		}
	}
	return p, nil
}

// cleanWritable is Clean for mutating operations, which may not target the root.
func cleanWritable(p string) (string, error) {
	c, err := Clean(p)
	if err != nil {
		return "", err
	}
	if c == "" {
		return "", fmt.Errorf("%w: root is not writable", ErrInvalidPath)
	}
	return c, nil
}

// Join joins path segments with slashes, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Base returns the last segment of p.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Parent returns p without its last segment. The parent of a top-level
// path is the root, "".
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Segments splits a clean path. The root has no segments.
func Segments(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Contains reports whether p equals ancestor or lies below it.
func Contains(ancestor, p string) bool {
	if ancestor == "" || ancestor == p {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// related reports whether a change at changed can affect what is observed at
// watched.
func related(watched, changed string) bool {
	return Contains(watched, changed) || Contains(changed, watched)
}

func relatedAny(watched string, changed []string) bool {
	for _, c := range changed {
		if related(watched, c) {
			return true
		}
	}
	return false
}
