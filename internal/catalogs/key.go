package catalogs

import (
	"sort"
	"strings"
)

// AirKey is the reserved key of the empty block state.
const AirKey = "minecraft:air"

// StateKey builds the canonical key of a block state: the block name followed by
// " name=value" for every property, sorted by property name. Catalog entries and
// palette entries both go through here so equal states always produce equal keys.
func StateKey(name string, props map[string]string) string {
	if len(props) == 0 {
		return name
	}
	names := make([]string, 0, len(props))
	size := len(name)
	for k, v := range props {
		names = append(names, k)
		size += len(k) + len(v) + 2
	}
	sort.Strings(names)

	var b strings.Builder
	b.Grow(size)
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
	}
	return b.String()
}
