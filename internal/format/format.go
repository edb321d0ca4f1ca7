// Package format describes the packed region file: a 128 byte chunk presence mask
// followed by one record per present chunk, all little-endian.
//
//	offset 0   : chunk mask, bit (x + z*32) for the chunk at (x, z), LSB first
//	offset 128 : records in increasing chunk index, back to back
//
// A record is a uint16 section mask followed by one 8192 byte block per set bit,
// lowest Y first. A block holds 4096 uint16 state ids indexed y*256 + z*16 + x.
package format

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
)

const (
	RegionWidth      = 32
	ChunksPerRegion  = RegionWidth * RegionWidth
	MaskSize         = ChunksPerRegion / 8
	SectionsPerChunk = 16
	BlocksPerSection = 16 * 16 * 16
	BlockSize        = 2
	SectionSize      = BlockSize * BlocksPerSection
	SectionMaskSize  = 2
	MaxRecordSize    = SectionMaskSize + SectionsPerChunk*SectionSize
)

var ErrMalformed = errors.New("malformed region file")

// ChunkMask is the presence bitmap at the start of every file.
type ChunkMask [MaskSize]byte

func (m *ChunkMask) Set(i int)      { m[i/8] |= 1 << (i % 8) }
func (m *ChunkMask) Has(i int) bool { return m[i/8]&(1<<(i%8)) != 0 }

func (m *ChunkMask) Count() int {
	n := 0
	for _, b := range m {
		n += bits.OnesCount8(b)
	}
	return n
}

// ChunkIndex returns the slot of the chunk at region-local (x, z).
func ChunkIndex(x, z int) int { return x + z*RegionWidth }

// BlockIndex returns the position of section-local (x, y, z) inside a block.
func BlockIndex(x, y, z int) int { return y*256 + z*16 + x }

// RecordSize is the encoded size of a record with the given section mask.
func RecordSize(sectionMask uint16) int {
	return SectionMaskSize + bits.OnesCount16(sectionMask)*SectionSize
}

type Record struct {
	Index       int
	SectionMask uint16
	Blocks      []byte
}

// X and Z return the region-local chunk coordinates.
func (r Record) X() int { return r.Index % RegionWidth }
func (r Record) Z() int { return r.Index / RegionWidth }

// Sections lists the Y values present in the record, lowest first.
func (r Record) Sections() []int {
	ys := make([]int, 0, bits.OnesCount16(r.SectionMask))
	for y := 0; y < SectionsPerChunk; y++ {
		if r.SectionMask&(1<<y) != 0 {
			ys = append(ys, y)
		}
	}
	return ys
}

// Block returns the state id at index i of section y.
func (r Record) Block(y, i int) (uint16, bool) {
	if y < 0 || y >= SectionsPerChunk || i < 0 || i >= BlocksPerSection || r.SectionMask&(1<<y) == 0 {
		return 0, false
	}
	ord := bits.OnesCount16(r.SectionMask & (1<<y - 1))
	off := ord*SectionSize + i*BlockSize
	return binary.LittleEndian.Uint16(r.Blocks[off:]), true
}

type File struct {
	Mask    ChunkMask
	Records []Record
}

// Size is the encoded length of f.
func (f *File) Size() int64 {
	n := int64(MaskSize)
	for _, r := range f.Records {
		n += int64(RecordSize(r.SectionMask))
	}
	return n
}

// Read decodes and validates a packed region file. Every set mask bit must be
// matched by a record and the records must account for the whole stream.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	f := &File{}
	if _, err := io.ReadFull(br, f.Mask[:]); err != nil {
		return nil, fmt.Errorf("%w: chunk mask: %v", ErrMalformed, err)
	}
	f.Records = make([]Record, 0, f.Mask.Count())

	var hdr [SectionMaskSize]byte
	for i := 0; i < ChunksPerRegion; i++ {
		if !f.Mask.Has(i) {
			continue
		}
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: section mask: %v", ErrMalformed, i, err)
		}
		sm := binary.LittleEndian.Uint16(hdr[:])
		if sm == 0 {
			return nil, fmt.Errorf("%w: chunk %d: empty section mask", ErrMalformed, i)
		}
		blocks := make([]byte, RecordSize(sm)-SectionMaskSize)
		if _, err := io.ReadFull(br, blocks); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: blocks: %v", ErrMalformed, i, err)
		}
		f.Records = append(f.Records, Record{Index: i, SectionMask: sm, Blocks: blocks})
	}
	if _, err := br.ReadByte(); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing bytes after last record", ErrMalformed)
		}
		return nil, err
	}
	return f, nil
}

func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Read(fh)
}
