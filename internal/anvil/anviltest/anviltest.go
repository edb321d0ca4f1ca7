// Package anviltest builds region file fixtures for tests.
package anviltest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Tnze/go-mc/nbt"
	"github.com/Tnze/go-mc/save/region"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// State is one palette entry.
type State struct {
	Name       string
	Properties map[string]string
}

func (s State) tag() map[string]any {
	m := map[string]any{"Name": s.Name}
	if len(s.Properties) > 0 {
		m["Properties"] = s.Properties
	}
	return m
}

// Section describes one section of a fixture chunk. Data holds packed longs and
// may be nil for single entry palettes.
type Section struct {
	Y       int8
	Palette []State
	Data    []int64
}

// Modern returns a chunk document in the root "sections" layout.
func Modern(dataVersion int32, sections ...Section) map[string]any {
	list := make([]map[string]any, 0, len(sections))
	for _, s := range sections {
		pal := make([]map[string]any, len(s.Palette))
		for i, st := range s.Palette {
			pal[i] = st.tag()
		}
		bs := map[string]any{"palette": pal}
		if s.Data != nil {
			bs["data"] = s.Data
		}
		list = append(list, map[string]any{
			"Y":            s.Y,
			"block_states": bs,
			"biomes": map[string]any{
				"palette": []string{"minecraft:plains"},
			},
		})
	}
	return map[string]any{
		"DataVersion": dataVersion,
		"Status":      "minecraft:full",
		"sections":    list,
	}
}

// Legacy returns a chunk document in the "Level.Sections" layout.
func Legacy(dataVersion int32, sections ...Section) map[string]any {
	list := make([]map[string]any, 0, len(sections))
	for _, s := range sections {
		sec := map[string]any{"Y": s.Y}
		if s.Palette != nil {
			pal := make([]map[string]any, len(s.Palette))
			for i, st := range s.Palette {
				pal[i] = st.tag()
			}
			sec["Palette"] = pal
		}
		if s.Data != nil {
			sec["BlockStates"] = s.Data
		}
		list = append(list, sec)
	}
	return map[string]any{
		"DataVersion": dataVersion,
		"Level": map[string]any{
			"Status":   "full",
			"Sections": list,
		},
	}
}

// Pack packs palette indices into longs. Spanning packing lets an index cross a
// long boundary; otherwise each long holds 64/bits whole indices.
func Pack(indices []int, bits int, spanning bool) []int64 {
	if spanning {
		out := make([]uint64, (len(indices)*bits+63)/64)
		for i, v := range indices {
			bit := i * bits
			w, off := bit/64, bit%64
			out[w] |= uint64(v) << off
			if off+bits > 64 {
				out[w+1] |= uint64(v) >> (64 - off)
			}
		}
		return toSigned(out)
	}
	per := 64 / bits
	out := make([]uint64, (len(indices)+per-1)/per)
	for i, v := range indices {
		out[i/per] |= uint64(v) << ((i % per) * bits)
	}
	return toSigned(out)
}

func toSigned(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// Raw encodes doc as an uncompressed sector payload.
func Raw(tb testing.TB, doc any) []byte {
	tb.Helper()
	var buf bytes.Buffer
	buf.WriteByte(3)
	if err := nbt.NewEncoder(&buf).Encode(doc, ""); err != nil {
		tb.Fatalf("nbt encode: %v", err)
	}
	return buf.Bytes()
}

// Zlib encodes doc as a zlib sector payload.
func Zlib(tb testing.TB, doc any) []byte {
	tb.Helper()
	var buf bytes.Buffer
	buf.WriteByte(2)
	zw := zlib.NewWriter(&buf)
	if err := nbt.NewEncoder(zw).Encode(doc, ""); err != nil {
		tb.Fatalf("nbt encode: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

// Gzip encodes doc as a gzip sector payload.
func Gzip(tb testing.TB, doc any) []byte {
	tb.Helper()
	var buf bytes.Buffer
	buf.WriteByte(1)
	zw := gzip.NewWriter(&buf)
	if err := nbt.NewEncoder(zw).Encode(doc, ""); err != nil {
		tb.Fatalf("nbt encode: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// LZ4 encodes doc as an LZ4 sector payload: a single compressed block followed
// by the end-of-stream block.
func LZ4(tb testing.TB, doc any) []byte {
	tb.Helper()
	var raw bytes.Buffer
	if err := nbt.NewEncoder(&raw).Encode(doc, ""); err != nil {
		tb.Fatalf("nbt encode: %v", err)
	}
	src := raw.Bytes()
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		tb.Fatalf("lz4 compress: %v", err)
	}
	method, block := byte(0x20), dst[:n]
	if n == 0 {
		method, block = 0x10, src
	}

	var buf bytes.Buffer
	buf.WriteByte(4)
	writeLZ4Block(&buf, method, block, len(src))
	writeLZ4Block(&buf, 0x10, nil, 0)
	return buf.Bytes()
}

func writeLZ4Block(buf *bytes.Buffer, method byte, block []byte, original int) {
	var hdr [21]byte
	copy(hdr[:], "LZ4Block")
	hdr[8] = method
	binary.LittleEndian.PutUint32(hdr[9:], uint32(len(block)))
	binary.LittleEndian.PutUint32(hdr[13:], uint32(original))
	buf.Write(hdr[:])
	buf.Write(block)
}

// WriteRegion creates a region file at path holding the given sector payloads,
// keyed by slot index (x + z*32).
func WriteRegion(tb testing.TB, path string, sectors map[int][]byte) {
	tb.Helper()
	r, err := region.Create(path)
	if err != nil {
		tb.Fatalf("region create: %v", err)
	}
	for i, data := range sectors {
		if err := r.WriteSector(i%32, i/32, data); err != nil {
			_ = r.Close()
			tb.Fatalf("write sector %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		tb.Fatalf("region close: %v", err)
	}
}
