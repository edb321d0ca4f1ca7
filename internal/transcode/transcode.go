// Package transcode writes packed region files.
package transcode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"regionpack.ai/internal/catalogs"
	"regionpack.ai/internal/format"
	"regionpack.ai/internal/pack"
)

// Region is a source of chunks for the 1024 slots of a region.
type Region interface {
	// Chunk returns the chunk stored in slot index (x + z*32), or nil when the
	// slot was never generated.
	Chunk(index int) (pack.Chunk, error)
}

type Stats struct {
	Chunks   int
	Sections int
	Bytes    int64
	// Checksum is the xxhash64 of everything after the chunk mask.
	Checksum uint64
}

type Transcoder struct {
	packer *pack.Packer
}

func New(reg *catalogs.Registry) *Transcoder {
	return &Transcoder{packer: pack.NewPacker(reg)}
}

// Encode writes the packed form of r to w. Records are appended after a reserved
// chunk mask, which is written last once every slot has been visited.
func (t *Transcoder) Encode(w io.WriteSeeker, r Region) (Stats, error) {
	var st Stats
	if _, err := w.Seek(format.MaskSize, io.SeekStart); err != nil {
		return st, err
	}

	bw := bufio.NewWriterSize(w, 256*1024)
	h := xxhash.New()
	body := io.MultiWriter(bw, h)

	var (
		mask format.ChunkMask
		hdr  [format.SectionMaskSize]byte
		n    int64
	)
	for i := 0; i < format.ChunksPerRegion; i++ {
		c, err := r.Chunk(i)
		if err != nil {
			return st, fmt.Errorf("chunk %d: %w", i, err)
		}
		if c == nil {
			continue
		}
		p, err := t.packer.Pack(c)
		if err != nil {
			return st, fmt.Errorf("chunk %d: %w", i, err)
		}
		if p.Empty() {
			continue
		}
		binary.LittleEndian.PutUint16(hdr[:], p.Mask)
		if _, err := body.Write(hdr[:]); err != nil {
			return st, err
		}
		if _, err := body.Write(p.Blocks); err != nil {
			return st, err
		}
		mask.Set(i)
		n += int64(p.Size())
		st.Chunks++
		st.Sections += bits.OnesCount16(p.Mask)
	}
	if err := bw.Flush(); err != nil {
		return st, err
	}

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return st, err
	}
	if _, err := w.Write(mask[:]); err != nil {
		return st, err
	}
	st.Bytes = format.MaskSize + n
	st.Checksum = h.Sum64()
	return st, nil
}

// WriteFile encodes r into path. The file is built under a temporary name in the
// same directory and renamed into place, so path only ever holds complete output.
func (t *Transcoder) WriteFile(path string, r Region) (st Stats, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return st, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return st, err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if st, err = t.Encode(f, r); err != nil {
		return st, err
	}
	if err = f.Sync(); err != nil {
		return st, err
	}
	if err = f.Chmod(0o644); err != nil {
		return st, err
	}
	if err = f.Close(); err != nil {
		return st, err
	}
	if err = os.Rename(tmp, path); err != nil {
		return st, err
	}
	return st, nil
}
