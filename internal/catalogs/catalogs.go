package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDir is where version catalogs live relative to the working directory.
const DefaultDir = "blocks"

// Registry maps canonical block state keys to global state ids. It is built once
// per run and never mutated afterwards, so it is safe to share between goroutines.
type Registry struct {
	Version string
	Digest  string

	ids map[string]uint16
	air uint16
}

type blockDef struct {
	Properties map[string][]string `json:"properties"`
	States     []stateDef          `json:"states"`
}

type stateDef struct {
	ID         int               `json:"id"`
	Default    bool              `json:"default"`
	Properties map[string]string `json:"properties"`
}

// CatalogError reports a malformed or self-inconsistent catalog.
type CatalogError struct {
	Block  string
	Reason string
	Err    error
}

func (e *CatalogError) Error() string {
	var b strings.Builder
	b.WriteString("catalog")
	if e.Block != "" {
		b.WriteString(": ")
		b.WriteString(e.Block)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Path returns the conventional location of the catalog for version.
func Path(dir, version string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, version+".json")
}

// Load builds the registry for version from <dir>/<version>.json.
func Load(dir, version string) (*Registry, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("catalog: empty version")
	}
	return Build(Path(dir, version))
}

// Build reads and parses the catalog at path.
func Build(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	r.Version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return r, nil
}

// Parse builds a registry from a raw catalog document.
func Parse(raw []byte) (*Registry, error) {
	if err := validateSchema(raw); err != nil {
		return nil, &CatalogError{Reason: "schema", Err: err}
	}
	var defs map[string]blockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, &CatalogError{Err: err}
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Registry{
		Digest: sha256Hex(raw),
		ids:    make(map[string]uint16, len(defs)),
	}
	for _, name := range names {
		def := defs[name]
		if len(def.States) == 0 {
			return nil, &CatalogError{Block: name, Reason: "no states"}
		}
		if def.Properties == nil {
			if len(def.States) > 1 {
				return nil, &CatalogError{Block: name, Reason: fmt.Sprintf("block without properties has %d states", len(def.States))}
			}
			if err := r.add(name, name, def.States[0].ID); err != nil {
				return nil, err
			}
			continue
		}
		for _, st := range def.States {
			if err := r.add(name, StateKey(name, st.Properties), st.ID); err != nil {
				return nil, err
			}
		}
	}

	air, ok := r.ids[AirKey]
	if !ok {
		return nil, &CatalogError{Block: AirKey, Reason: "missing"}
	}
	r.air = air
	return r, nil
}

func (r *Registry) add(block, key string, id int) error {
	if id < 0 || id > 0xFFFF {
		return &CatalogError{Block: block, Reason: fmt.Sprintf("state id %d does not fit in 16 bits", id)}
	}
	if prev, dup := r.ids[key]; dup {
		return &CatalogError{Block: block, Reason: fmt.Sprintf("duplicate state %q (ids %d and %d)", key, prev, id)}
	}
	r.ids[key] = uint16(id)
	return nil
}

// Lookup returns the global id of a canonical state key.
func (r *Registry) Lookup(key string) (uint16, bool) {
	id, ok := r.ids[key]
	return id, ok
}

// Air returns the global id of minecraft:air.
func (r *Registry) Air() uint16 { return r.air }

func (r *Registry) Len() int { return len(r.ids) }

// Keys returns every registered key in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.ids))
	for k := range r.ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
