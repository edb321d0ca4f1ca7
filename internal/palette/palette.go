// Package palette resolves section-local block palettes into global state ids.
package palette

import (
	"fmt"

	"regionpack.ai/internal/catalogs"
)

// BlockState is one entry of a section's local palette.
type BlockState struct {
	Name       string
	Properties map[string]string
}

// Key returns the canonical registry key of the state.
func (s BlockState) Key() string { return catalogs.StateKey(s.Name, s.Properties) }

// Registry is the lookup side of a catalogs.Registry.
type Registry interface {
	Lookup(key string) (uint16, bool)
}

// UnknownStateError means a palette entry has no counterpart in the registry,
// which happens when the world and the catalog come from different versions.
type UnknownStateError struct {
	Index int
	Key   string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown block state %q (palette index %d)", e.Key, e.Index)
}

// Translate maps every palette entry to its global id. The result is index-aligned
// with the input.
func Translate(entries []BlockState, reg Registry) ([]uint16, error) {
	out := make([]uint16, len(entries))
	for i, e := range entries {
		key := e.Key()
		id, ok := reg.Lookup(key)
		if !ok {
			return nil, &UnknownStateError{Index: i, Key: key}
		}
		out[i] = id
	}
	return out, nil
}
