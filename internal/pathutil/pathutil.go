// Package pathutil normalizes user-supplied filesystem paths so that
// different spellings of the same library file compare equal.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands shell-style path components in p: environment
// variable tokens ($HOME, ${HOME}) and a leading "~/" or "~\" referring to
// the current user's home directory. The result is not made absolute;
// callers retain control over relative-path handling.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// Normalize expands p and converts it to a cleaned absolute path. Symlinks
// are resolved when the target exists; a nonexistent path is still
// normalized lexically so that callers can compare paths before the file is
// created.
func Normalize(p string) (string, error) {
	expanded, err := ExpandUserAndEnv(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// Equal reports whether a and b normalize to the same path. Normalization
// failures fall back to lexical comparison of the raw inputs.
func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return na == nb
}
