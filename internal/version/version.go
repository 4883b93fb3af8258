// Package version exposes the release version baked into the binary.
package version

import (
	_ "embed"
	"strings"
)

// The VERSION file is the single source of truth for release tooling and the
// binary alike.
//
//go:embed VERSION
var raw string

// Get returns the release version string.
func Get() string {
	return strings.TrimSpace(raw)
}
