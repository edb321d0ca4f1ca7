package anvil

import (
	"fmt"
	"math/bits"

	"github.com/Tnze/go-mc/level"
	"github.com/Tnze/go-mc/save"

	"regionpack.ai/internal/format"
	"regionpack.ai/internal/pack"
	"regionpack.ai/internal/palette"
)

// Chunks written before this data version pack palette indices across long
// boundaries.
const spanningBefore = 2529

type chunkNBT struct {
	DataVersion int32          `nbt:"DataVersion"`
	Level       legacyLevel    `nbt:"Level"`
	Sections    []save.Section `nbt:"sections"`
}

type legacyLevel struct {
	Sections []legacySection `nbt:"Sections"`
}

type legacySection struct {
	Y           int8              `nbt:"Y"`
	Palette     []save.BlockState `nbt:"Palette"`
	BlockStates []uint64          `nbt:"BlockStates"`
}

// Chunk is one decoded chunk column. Only sections 0 through 15 are kept.
type Chunk struct {
	DataVersion int32
	sections    [format.SectionsPerChunk]*Section
}

func (c *Chunk) Section(y int) pack.Section {
	if y < 0 || y >= len(c.sections) || c.sections[y] == nil {
		return nil
	}
	return c.sections[y]
}

// Section is a decoded 16x16x16 block of palette indices.
type Section struct {
	palette []palette.BlockState
	indices [format.BlocksPerSection]uint16
}

func (s *Section) Palette() []palette.BlockState { return s.palette }
func (s *Section) PaletteIndex(i int) int        { return int(s.indices[i]) }

func (doc *chunkNBT) chunk() (*Chunk, error) {
	c := &Chunk{DataVersion: doc.DataVersion}
	if len(doc.Level.Sections) > 0 {
		spanning := doc.DataVersion < spanningBefore
		for _, ls := range doc.Level.Sections {
			// Sections without a palette predate block states or only carry light.
			if !inRange(ls.Y) || ls.Palette == nil {
				continue
			}
			s, err := newSection(ls.Palette, ls.BlockStates, spanning)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", ls.Y, err)
			}
			c.sections[ls.Y] = s
		}
		return c, nil
	}
	for _, ms := range doc.Sections {
		if !inRange(ms.Y) || ms.BlockStates.Palette == nil {
			continue
		}
		s, err := newSection(ms.BlockStates.Palette, ms.BlockStates.Data, false)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", ms.Y, err)
		}
		c.sections[ms.Y] = s
	}
	return c, nil
}

func inRange(y int8) bool { return y >= 0 && int(y) < format.SectionsPerChunk }

func newSection(states []save.BlockState, data []uint64, spanning bool) (*Section, error) {
	s := &Section{palette: make([]palette.BlockState, len(states))}
	for i, st := range states {
		bs := palette.BlockState{Name: st.Name}
		if len(st.Properties.Data) > 0 {
			if err := st.Properties.Unmarshal(&bs.Properties); err != nil {
				return nil, fmt.Errorf("%w: palette entry %d properties: %v", ErrCorrupt, i, err)
			}
		}
		s.palette[i] = bs
	}
	if len(data) == 0 || len(states) == 0 {
		return s, nil
	}

	n := indexBits(len(states))
	if spanning {
		if want := format.BlocksPerSection * n / 64; len(data) != want {
			return nil, fmt.Errorf("%w: %d longs for %d-bit indices, want %d", ErrCorrupt, len(data), n, want)
		}
		unpackSpanning(&s.indices, data, n)
		return s, nil
	}

	per := 64 / n
	if want := (format.BlocksPerSection + per - 1) / per; len(data) != want {
		return nil, fmt.Errorf("%w: %d longs for %d-bit indices, want %d", ErrCorrupt, len(data), n, want)
	}
	bs := level.NewBitStorage(n, format.BlocksPerSection, data)
	for i := range s.indices {
		s.indices[i] = uint16(bs.Get(i))
	}
	return s, nil
}

// indexBits is the width of one palette index for a palette of n entries.
func indexBits(n int) int {
	b := bits.Len(uint(n - 1))
	if b < 4 {
		b = 4
	}
	return b
}

func unpackSpanning(dst *[format.BlocksPerSection]uint16, data []uint64, n int) {
	mask := uint64(1)<<n - 1
	for i := range dst {
		bit := i * n
		w, off := bit/64, bit%64
		v := data[w] >> off
		if off+n > 64 {
			v |= data[w+1] << (64 - off)
		}
		dst[i] = uint16(v & mask)
	}
}
