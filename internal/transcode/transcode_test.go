package transcode

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"

	"regionpack.ai/internal/catalogs"
	"regionpack.ai/internal/format"
	"regionpack.ai/internal/pack"
	"regionpack.ai/internal/palette"
)

type section struct {
	pal []palette.BlockState
	idx func(int) int
}

func (s section) Palette() []palette.BlockState { return s.pal }
func (s section) PaletteIndex(i int) int        { return s.idx(i) }

type column map[int]section

func (c column) Section(y int) pack.Section {
	s, ok := c[y]
	if !ok {
		return nil
	}
	return s
}

type region struct {
	chunks map[int]column
	fail   map[int]error
}

func (r region) Chunk(i int) (pack.Chunk, error) {
	if err := r.fail[i]; err != nil {
		return nil, err
	}
	c, ok := r.chunks[i]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func zero(int) int { return 0 }

const stoneID = 1

func testTranscoder(t *testing.T) *Transcoder {
	t.Helper()
	reg, err := catalogs.Parse([]byte(`{
	  "minecraft:air": {"states": [{"id": 0}]},
	  "minecraft:stone": {"states": [{"id": 1}]},
	  "minecraft:bedrock": {"states": [{"id": 33}]},
	  "minecraft:water": {"properties": {"level": ["0", "1"]}, "states": [
	    {"id": 34, "properties": {"level": "0"}},
	    {"id": 35, "properties": {"level": "1"}}
	  ]}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return New(reg)
}

func TestWriteFile_SingleSectionEndToEnd(t *testing.T) {
	tr := testTranscoder(t)
	path := filepath.Join(t.TempDir(), "out", "0.0.bin")
	src := region{chunks: map[int]column{
		0: {0: {pal: []palette.BlockState{{Name: "minecraft:stone"}}, idx: zero}},
	}}

	st, err := tr.WriteFile(path, src)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) != 128+2+8192 {
		t.Fatalf("len=%d", len(raw))
	}
	if raw[0] != 0x01 {
		t.Fatalf("header byte 0 = %#x", raw[0])
	}
	for i := 1; i < 128; i++ {
		if raw[i] != 0 {
			t.Fatalf("header byte %d = %#x", i, raw[i])
		}
	}
	if raw[128] != 0x01 || raw[129] != 0x00 {
		t.Fatalf("section mask % x", raw[128:130])
	}
	for i := 0; i < 4096; i++ {
		if v := binary.LittleEndian.Uint16(raw[130+2*i:]); v != stoneID {
			t.Fatalf("block %d = %d", i, v)
		}
	}
	if st.Chunks != 1 || st.Sections != 1 || st.Bytes != int64(len(raw)) {
		t.Fatalf("stats %+v", st)
	}
	if st.Checksum != xxhash.Sum64(raw[128:]) {
		t.Fatalf("checksum mismatch")
	}
}

func TestWriteFile_HeaderMatchesRecords(t *testing.T) {
	tr := testTranscoder(t)
	water := []palette.BlockState{
		{Name: "minecraft:water", Properties: map[string]string{"level": "0"}},
		{Name: "minecraft:bedrock"},
	}
	src := region{chunks: map[int]column{
		format.ChunkIndex(0, 0):   {0: {pal: water, idx: func(i int) int { return i % 2 }}},
		format.ChunkIndex(5, 0):   {},
		format.ChunkIndex(1, 3):   {2: {pal: []palette.BlockState{{Name: "minecraft:air"}}, idx: zero}},
		format.ChunkIndex(31, 7):  {15: {pal: water, idx: zero}, 3: {pal: water, idx: zero}, 4: {pal: nil, idx: zero}},
		format.ChunkIndex(31, 31): {7: {pal: []palette.BlockState{{Name: "minecraft:stone"}}, idx: zero}},
	}}

	path := filepath.Join(t.TempDir(), "1.-2.bin")
	st, err := tr.WriteFile(path, src)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := format.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if f.Mask.Count() != len(f.Records) || len(f.Records) != 3 {
		t.Fatalf("mask bits=%d records=%d", f.Mask.Count(), len(f.Records))
	}
	if f.Size() != fi.Size() || st.Bytes != fi.Size() {
		t.Fatalf("size: layout=%d file=%d stats=%d", f.Size(), fi.Size(), st.Bytes)
	}
	if f.Mask.Has(format.ChunkIndex(5, 0)) || f.Mask.Has(format.ChunkIndex(1, 3)) {
		t.Fatalf("empty chunks must not be marked present")
	}
	want := []struct {
		index int
		mask  uint16
	}{
		{format.ChunkIndex(0, 0), 1},
		{format.ChunkIndex(31, 7), 1<<3 | 1<<15},
		{format.ChunkIndex(31, 31), 1 << 7},
	}
	for i, w := range want {
		if f.Records[i].Index != w.index || f.Records[i].SectionMask != w.mask {
			t.Fatalf("record %d: index=%d mask=%#x want %d/%#x", i, f.Records[i].Index, f.Records[i].SectionMask, w.index, w.mask)
		}
	}
	if v, _ := f.Records[0].Block(0, 1); v != 33 {
		t.Fatalf("odd block in chunk 0 = %d", v)
	}
	if v, _ := f.Records[1].Block(15, 4095); v != 34 {
		t.Fatalf("top block of chunk (31,7) = %d", v)
	}
	if st.Sections != 4 {
		t.Fatalf("sections=%d", st.Sections)
	}
}

func TestWriteFile_EmptyRegion(t *testing.T) {
	tr := testTranscoder(t)
	path := filepath.Join(t.TempDir(), "0.0.bin")
	if _, err := tr.WriteFile(path, region{}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) != format.MaskSize {
		t.Fatalf("len=%d", len(raw))
	}
}

func TestWriteFile_OverwritesPreviousOutput(t *testing.T) {
	tr := testTranscoder(t)
	path := filepath.Join(t.TempDir(), "0.0.bin")
	if err := os.WriteFile(path, make([]byte, 50000), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tr.WriteFile(path, region{}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != format.MaskSize {
		t.Fatalf("stale bytes left: size=%d", fi.Size())
	}
}

func TestWriteFile_ErrorLeavesNoOutput(t *testing.T) {
	tr := testTranscoder(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0.0.bin")
	boom := errors.New("boom")

	cases := map[string]region{
		"source error": {
			chunks: map[int]column{0: {0: {pal: []palette.BlockState{{Name: "minecraft:stone"}}, idx: zero}}},
			fail:   map[int]error{9: boom},
		},
		"unknown state": {
			chunks: map[int]column{4: {1: {pal: []palette.BlockState{{Name: "minecraft:lava"}}, idx: zero}}},
		},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tr.WriteFile(path, src); err == nil {
				t.Fatalf("expected error")
			}
			ents, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("readdir: %v", err)
			}
			if len(ents) != 0 {
				t.Fatalf("expected empty dir, found %d entries (%s)", len(ents), ents[0].Name())
			}
		})
	}

	_, err := tr.WriteFile(path, cases["source error"])
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
	var ue *palette.UnknownStateError
	if _, err := tr.WriteFile(path, cases["unknown state"]); !errors.As(err, &ue) {
		t.Fatalf("expected UnknownStateError, got %v", err)
	}
}
