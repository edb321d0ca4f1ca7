// Package anvil reads chunk palettes out of Anvil region files (r.<x>.<z>.mca).
//
// The sector container is parsed with go-mc's region package. Each chunk payload
// is decompressed according to its compression byte and decoded as NBT in either
// the root "sections" layout or the older "Level.Sections" layout.
package anvil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/Tnze/go-mc/nbt"
	"github.com/Tnze/go-mc/save/region"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"regionpack.ai/internal/format"
	"regionpack.ai/internal/pack"
)

var (
	// ErrTruncated is returned when a region file or chunk payload ends before
	// the data it announces.
	ErrTruncated = errors.New("anvil: truncated region data")
	// ErrCorrupt is returned for structurally invalid chunk data.
	ErrCorrupt = errors.New("anvil: corrupt chunk data")
	// ErrUnsupported is returned for unknown payload compression types.
	ErrUnsupported = errors.New("anvil: unsupported compression")
)

const (
	compressGzip     = 1
	compressZlib     = 2
	compressNone     = 3
	compressLZ4      = 4
	compressExternal = 0x80
)

var nameRe = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.mca$`)

// ParseName extracts the region coordinates from a file name such as r.-1.3.mca.
func ParseName(name string) (x, z int, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(m[1])
	z, errZ := strconv.Atoi(m[2])
	if errX != nil || errZ != nil {
		return 0, 0, false
	}
	return x, z, true
}

// File is an open region file. It is not safe for concurrent use.
type File struct {
	X, Z int

	path string
	f    *os.File
	reg  *region.Region
}

// Open opens the region file at path. Region coordinates are taken from the file
// name when it follows the r.<x>.<z>.mca convention and are zero otherwise.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reg, err := region.Load(f)
	if err != nil {
		_ = f.Close()
		return nil, classify(err)
	}
	x, z, _ := ParseName(filepath.Base(path))
	return &File{X: x, Z: z, path: path, f: f, reg: reg}, nil
}

func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	return f.f.Close()
}

// Chunk decodes the chunk in slot index (x + z*32). It returns nil for slots that
// hold no chunk.
func (f *File) Chunk(index int) (pack.Chunk, error) {
	if index < 0 || index >= format.ChunksPerRegion {
		return nil, fmt.Errorf("anvil: chunk index %d out of range", index)
	}
	x, z := index%format.RegionWidth, index/format.RegionWidth
	if !f.reg.ExistSector(x, z) {
		return nil, nil
	}
	raw, err := f.readSector(x, z)
	if err != nil {
		return nil, classify(err)
	}
	body, err := f.payload(x, z, raw)
	if err != nil {
		return nil, classify(err)
	}
	c, err := decodeChunk(body)
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// readSector guards against go-mc panicking on a negative length prefix.
func (f *File) readSector(x, z int) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: sector (%d,%d): %v", ErrCorrupt, x, z, p)
		}
	}()
	return f.reg.ReadSector(x, z)
}

func (f *File) payload(x, z int, raw []byte) (io.Reader, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty sector payload", io.ErrUnexpectedEOF)
	}
	kind, body := raw[0], raw[1:]
	if kind&compressExternal != 0 {
		kind &^= compressExternal
		name := fmt.Sprintf("c.%d.%d.mcc", f.X*format.RegionWidth+x, f.Z*format.RegionWidth+z)
		ext, err := os.ReadFile(filepath.Join(filepath.Dir(f.path), name))
		if err != nil {
			return nil, err
		}
		body = ext
	}

	switch kind {
	case compressGzip:
		return gzip.NewReader(bytes.NewReader(body))
	case compressZlib:
		return zlib.NewReader(bytes.NewReader(body))
	case compressNone:
		return bytes.NewReader(body), nil
	case compressLZ4:
		raw, err := decodeLZ4Blocks(body)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(raw), nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupported, kind)
	}
}

func decodeChunk(r io.Reader) (*Chunk, error) {
	var doc chunkNBT
	if _, err := nbt.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.chunk()
}

func classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return err
}
