package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var out []map[string]any
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %d: %v", len(out)+1, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestRunJournal_WritesRegionsThenRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j := NewRunJournal(dir, "abc")
	if want := filepath.Join(dir, "run-abc.jsonl.zst"); j.Path() != want {
		t.Fatalf("path=%q want %q", j.Path(), want)
	}

	if err := j.WriteRegion(RegionEntry{RunID: "abc", Region: "r.0.0.mca", Output: "0.0.bin", Status: "converted", Chunks: 3, Bytes: 24706}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if err := j.WriteRegion(RegionEntry{RunID: "abc", Region: "r.1.0.mca", Status: "skipped", Error: "truncated"}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if err := j.WriteRun(RunEntry{RunID: "abc", Version: "1.16.5", Regions: 2, Converted: 1, Skipped: 1, Status: "ok"}); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, j.Path())
	if len(lines) != 3 {
		t.Fatalf("lines=%d", len(lines))
	}
	if lines[0]["kind"] != KindRegion || lines[0]["region"] != "r.0.0.mca" || lines[0]["bytes"] != float64(24706) {
		t.Fatalf("line 0: %v", lines[0])
	}
	if lines[0]["time"] == "" {
		t.Fatalf("line 0 missing time")
	}
	if _, ok := lines[1]["output"]; ok {
		t.Fatalf("skipped region should omit output: %v", lines[1])
	}
	if lines[2]["kind"] != KindRun || lines[2]["skipped"] != float64(1) {
		t.Fatalf("line 2: %v", lines[2])
	}
}

func TestJSONLZstdWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.jsonl.zst")
	w := NewJSONLZstdWriter(path)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := w.Write(map[string]int{"g": g, "i": i}); err != nil {
					t.Errorf("Write: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(readLines(t, path)); got != 400 {
		t.Fatalf("lines=%d want 400", got)
	}
}

func TestJSONLZstdWriter_CloseWithoutWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.jsonl.zst")
	w := NewJSONLZstdWriter(path)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file, got %v", err)
	}
}
