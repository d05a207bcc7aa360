// Package pathutil expands operator-supplied paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~" and returns the
// absolute, cleaned path. An empty input stays empty.
func Expand(p string) (string, error) {
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
		switch {
		case len(p) == 1:
			p = home
		case p[1] == '/':
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
