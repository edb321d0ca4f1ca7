// Package pack turns a chunk's sections into the flat global-id blocks of a
// packed region record.
package pack

import (
	"encoding/binary"
	"fmt"

	"regionpack.ai/internal/catalogs"
	"regionpack.ai/internal/format"
	"regionpack.ai/internal/palette"
)

// Section is a 16x16x16 cube of local palette indices.
type Section interface {
	// Palette returns the local palette; nil means the section carries none.
	Palette() []palette.BlockState
	// PaletteIndex returns the palette index of block i, i = y*256 + z*16 + x.
	PaletteIndex(i int) int
}

// Chunk is a vertical stack of sections. Section returns nil for absent sections.
type Chunk interface {
	Section(y int) Section
}

// Packed is the packed form of one chunk.
type Packed struct {
	Mask   uint16
	Blocks []byte
}

// Empty reports whether the chunk produced no sections at all.
func (p Packed) Empty() bool { return p.Mask == 0 }

// Size is the encoded size of the chunk record, zero when empty.
func (p Packed) Size() int {
	if p.Empty() {
		return 0
	}
	return format.SectionMaskSize + len(p.Blocks)
}

// AppendRecord appends the encoded record (section mask then blocks) to dst.
func (p Packed) AppendRecord(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, p.Mask)
	return append(dst, p.Blocks...)
}

type Packer struct {
	reg *catalogs.Registry
	air uint16
}

func NewPacker(reg *catalogs.Registry) *Packer {
	return &Packer{reg: reg, air: reg.Air()}
}

// Pack encodes every non-empty section of c, lowest Y first.
func (p *Packer) Pack(c Chunk) (Packed, error) {
	var out Packed
	for y := 0; y < format.SectionsPerChunk; y++ {
		s := c.Section(y)
		if s == nil {
			continue
		}
		pal := s.Palette()
		if pal == nil {
			continue
		}
		ids, err := palette.Translate(pal, p.reg)
		if err != nil {
			return Packed{}, fmt.Errorf("section %d: %w", y, err)
		}
		if p.isEmpty(ids) {
			continue
		}
		if out.Blocks == nil {
			out.Blocks = make([]byte, 0, format.SectionSize*(format.SectionsPerChunk-y))
		}
		out.Blocks, err = appendSection(out.Blocks, s, ids)
		if err != nil {
			return Packed{}, fmt.Errorf("section %d: %w", y, err)
		}
		out.Mask |= 1 << y
	}
	return out, nil
}

// isEmpty is true for palettes with no entries and for a lone air entry. Sections
// like that exist only to carry light data. A palette with several entries is kept
// even if they all resolve to air.
func (p *Packer) isEmpty(ids []uint16) bool {
	return len(ids) == 0 || (len(ids) == 1 && ids[0] == p.air)
}

func appendSection(dst []byte, s Section, ids []uint16) ([]byte, error) {
	for i := 0; i < format.BlocksPerSection; i++ {
		idx := s.PaletteIndex(i)
		if idx < 0 || idx >= len(ids) {
			return nil, fmt.Errorf("block %d: palette index %d out of range (palette size %d)", i, idx, len(ids))
		}
		dst = binary.LittleEndian.AppendUint16(dst, ids[idx])
	}
	return dst, nil
}
