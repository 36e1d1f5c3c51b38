// Package guid implements the fabric's canonical identifier form:
// a lowercase UUID wrapped in braces, e.g.
// {f1b2c3d4-aaaa-bbbb-cccc-000011112222}.
package guid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh identifier in canonical form.
func New() string {
	return "{" + uuid.NewString() + "}"
}

// Normalize parses s, accepting braced or bare UUIDs in any case, and
// returns the canonical form.
func Normalize(s string) (string, error) {
	v := strings.TrimSpace(s)
	if strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}") {
		v = v[1 : len(v)-1]
	}
	u, err := uuid.Parse(v)
	if err != nil {
		return "", fmt.Errorf("guid: parse %q: %w", s, err)
	}
	return "{" + u.String() + "}", nil
}

// Valid reports whether s parses as an identifier.
func Valid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
