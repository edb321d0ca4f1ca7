package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to a single zstd-compressed file. The file
// is created on the first write. Safe for concurrent use.
type JSONLZstdWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func NewJSONLZstdWriter(path string) *JSONLZstdWriter {
	return &JSONLZstdWriter{path: path}
}

func (w *JSONLZstdWriter) Path() string { return w.path }

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		if err := w.openLocked(); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.w = nil
	return err
}

func (w *JSONLZstdWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

// RegionEntry is the journal line written for every region file a run visits.
type RegionEntry struct {
	Kind       string `json:"kind"`
	RunID      string `json:"run_id"`
	Region     string `json:"region"`
	Output     string `json:"output,omitempty"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
	Sections   int    `json:"sections"`
	Bytes      int64  `json:"bytes"`
	Checksum   string `json:"checksum,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Time       string `json:"time"`
}

// RunEntry closes the journal of a run.
type RunEntry struct {
	Kind          string `json:"kind"`
	RunID         string `json:"run_id"`
	Version       string `json:"version"`
	CatalogDigest string `json:"catalog_digest"`
	RegionDir     string `json:"region_dir"`
	OutputDir     string `json:"output_dir"`
	Regions       int    `json:"regions"`
	Converted     int    `json:"converted"`
	Skipped       int    `json:"skipped"`
	Chunks        int64  `json:"chunks"`
	Bytes         int64  `json:"bytes"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
}

const (
	KindRegion = "region"
	KindRun    = "run"
)

// RunJournal writes one compressed JSONL file per conversion run.
type RunJournal struct{ w *JSONLZstdWriter }

// NewRunJournal returns the journal for runID under dir, named
// run-<runID>.jsonl.zst.
func NewRunJournal(dir, runID string) *RunJournal {
	return &RunJournal{w: NewJSONLZstdWriter(filepath.Join(dir, fmt.Sprintf("run-%s.jsonl.zst", runID)))}
}

func (j *RunJournal) Path() string { return j.w.Path() }

func (j *RunJournal) WriteRegion(e RegionEntry) error {
	e.Kind = KindRegion
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return j.w.Write(e)
}

func (j *RunJournal) WriteRun(e RunEntry) error {
	e.Kind = KindRun
	return j.w.Write(e)
}

func (j *RunJournal) Close() error { return j.w.Close() }
