// Package driver converts a directory of region files into packed output files.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"regionpack.ai/internal/anvil"
	"regionpack.ai/internal/catalogs"
	"regionpack.ai/internal/persistence/indexdb"
	journal "regionpack.ai/internal/persistence/log"
	"regionpack.ai/internal/transcode"
)

const (
	StatusConverted = "converted"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"

	runOK     = "ok"
	runFailed = "failed"
)

// ProgressFunc is called after each region file is finished. done counts both
// converted and skipped regions.
type ProgressFunc func(done, total int, region string)

type Options struct {
	Version   string
	RegionDir string
	OutputDir string

	CatalogDir string
	// Workers bounds how many regions are converted at once. Values below 1
	// mean one.
	Workers int

	// JournalDir enables the compressed run journal when set.
	JournalDir string
	// IndexDB enables the SQLite conversion index when set.
	IndexDB string

	Logger   logrus.FieldLogger
	Progress ProgressFunc
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	Version   string
	Regions   int
	Converted int
	Skipped   []string
	Chunks    int64
	Sections  int64
	Bytes     int64
	Duration  time.Duration
	Journal   string
}

// Driver performs a single conversion run; create a new one per Run.
type Driver struct {
	opts Options
	log  logrus.FieldLogger

	tr      *transcode.Transcoder
	journal *journal.RunJournal
	index   *indexdb.SQLiteIndex
	runID   string

	converted atomic.Int64
	done      atomic.Int64
	chunks    atomic.Int64
	sections  atomic.Int64
	bytes     atomic.Int64

	mu      sync.Mutex
	skipped []string
}

func New(opts Options) *Driver {
	lg := opts.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Driver{opts: opts, log: lg}
}

// Run loads the catalog for the configured version and converts every region
// file in RegionDir. Truncated region files are skipped with a warning; any other
// failure stops the run. A catalog error aborts before any output is written.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	d.runID = uuid.NewString()
	sum := Summary{RunID: d.runID, Version: d.opts.Version}

	reg, err := catalogs.Load(d.opts.CatalogDir, d.opts.Version)
	if err != nil {
		return sum, fmt.Errorf("load catalog: %w", err)
	}
	d.log.WithFields(logrus.Fields{
		"version": reg.Version,
		"states":  reg.Len(),
		"digest":  shortDigest(reg.Digest),
	}).Debug("catalog loaded")

	names, err := ListRegions(d.opts.RegionDir)
	if err != nil {
		return sum, err
	}
	sum.Regions = len(names)

	if err := os.MkdirAll(d.opts.OutputDir, 0o755); err != nil {
		return sum, err
	}
	if err := d.openSinks(reg); err != nil {
		return sum, err
	}
	d.tr = transcode.New(reg)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, name := range names {
		if gctx.Err() != nil {
			break
		}
		name := name
		g.Go(func() error {
			return d.convert(gctx, name, len(names))
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	sum.Converted = int(d.converted.Load())
	sum.Chunks = d.chunks.Load()
	sum.Sections = d.sections.Load()
	sum.Bytes = d.bytes.Load()
	sum.Duration = time.Since(start)
	d.mu.Lock()
	sum.Skipped = append([]string(nil), d.skipped...)
	d.mu.Unlock()
	sort.Strings(sum.Skipped)

	if err := d.closeSinks(reg, sum, start, runErr); err != nil && runErr == nil {
		runErr = err
	}
	if d.journal != nil {
		sum.Journal = d.journal.Path()
	}

	fields := logrus.Fields{
		"run":      d.runID,
		"regions":  sum.Regions,
		"skipped":  len(sum.Skipped),
		"chunks":   sum.Chunks,
		"bytes":    humanize.Bytes(uint64(sum.Bytes)),
		"duration": sum.Duration.Round(time.Millisecond),
	}
	if runErr != nil {
		d.log.WithFields(fields).WithError(runErr).Error("conversion failed")
		return sum, runErr
	}
	d.log.WithFields(fields).Infof("converted %d of %d region files", sum.Converted, sum.Regions)
	return sum, nil
}

// ListRegions returns the names of the region files in dir, sorted.
func ListRegions(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if _, _, ok := anvil.ParseName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// OutputName is the packed file name for region (x, z).
func OutputName(x, z int) string {
	return strconv.Itoa(x) + "." + strconv.Itoa(z) + ".bin"
}

func (d *Driver) convert(ctx context.Context, name string, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	x, z, _ := anvil.ParseName(name)
	out := filepath.Join(d.opts.OutputDir, OutputName(x, z))
	lg := d.log.WithField("region", name)

	st, err := d.convertFile(filepath.Join(d.opts.RegionDir, name), out)
	res := indexdb.RegionRow{
		RunID:      d.runID,
		Region:     name,
		X:          x,
		Z:          z,
		DurationMS: time.Since(started).Milliseconds(),
	}
	switch {
	case err == nil:
		res.Status = StatusConverted
		res.Output = out
		res.Chunks = st.Chunks
		res.Sections = st.Sections
		res.Bytes = st.Bytes
		res.Checksum = fmt.Sprintf("%016x", st.Checksum)
		d.converted.Inc()
		d.chunks.Add(int64(st.Chunks))
		d.sections.Add(int64(st.Sections))
		d.bytes.Add(st.Bytes)
		lg.WithFields(logrus.Fields{
			"chunks": st.Chunks,
			"bytes":  st.Bytes,
		}).Debugf("wrote %s", filepath.Base(out))
	case errors.Is(err, anvil.ErrTruncated):
		res.Status = StatusSkipped
		res.Error = err.Error()
		d.mu.Lock()
		d.skipped = append(d.skipped, name)
		d.mu.Unlock()
		lg.WithError(err).Warnf("could not parse region file %s, skipping", name)
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
	}

	if res.Status == StatusFailed {
		_ = d.record(res)
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := d.record(res); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	n := int(d.done.Inc())
	if d.opts.Progress != nil {
		d.opts.Progress(n, total, name)
	}
	return nil
}

func (d *Driver) convertFile(src, dst string) (transcode.Stats, error) {
	f, err := anvil.Open(src)
	if err != nil {
		return transcode.Stats{}, err
	}
	defer f.Close()
	return d.tr.WriteFile(dst, f)
}

func (d *Driver) openSinks(reg *catalogs.Registry) error {
	if d.opts.JournalDir != "" {
		d.journal = journal.NewRunJournal(d.opts.JournalDir, d.runID)
	}
	if d.opts.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(d.opts.IndexDB)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		if err := idx.UpsertCatalog(reg); err != nil {
			_ = idx.Close()
			return fmt.Errorf("index catalog: %w", err)
		}
		d.index = idx
	}
	return nil
}

func (d *Driver) record(r indexdb.RegionRow) error {
	d.index.RecordRegion(r)
	if d.journal == nil {
		return nil
	}
	return d.journal.WriteRegion(journal.RegionEntry{
		RunID:      r.RunID,
		Region:     r.Region,
		Output:     r.Output,
		Status:     r.Status,
		Chunks:     r.Chunks,
		Sections:   r.Sections,
		Bytes:      r.Bytes,
		Checksum:   r.Checksum,
		Error:      r.Error,
		DurationMS: r.DurationMS,
	})
}

func (d *Driver) closeSinks(reg *catalogs.Registry, sum Summary, start time.Time, runErr error) error {
	status, msg := runOK, ""
	if runErr != nil {
		status, msg = runFailed, runErr.Error()
	}
	finished := time.Now()

	var errs []error
	if d.index != nil {
		d.index.RecordRun(indexdb.RunRow{
			RunID:         d.runID,
			Version:       reg.Version,
			CatalogDigest: reg.Digest,
			RegionDir:     d.opts.RegionDir,
			OutputDir:     d.opts.OutputDir,
			Regions:       sum.Regions,
			Converted:     sum.Converted,
			Skipped:       len(sum.Skipped),
			Chunks:        sum.Chunks,
			Bytes:         sum.Bytes,
			Status:        status,
			Error:         msg,
			StartedAt:     start,
			FinishedAt:    finished,
		})
		if err := d.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if d.journal != nil {
		if err := d.journal.WriteRun(journal.RunEntry{
			RunID:         d.runID,
			Version:       reg.Version,
			CatalogDigest: reg.Digest,
			RegionDir:     d.opts.RegionDir,
			OutputDir:     d.opts.OutputDir,
			Regions:       sum.Regions,
			Converted:     sum.Converted,
			Skipped:       len(sum.Skipped),
			Chunks:        sum.Chunks,
			Bytes:         sum.Bytes,
			Status:        status,
			Error:         msg,
			StartedAt:     start.UTC().Format(time.RFC3339Nano),
			FinishedAt:    finished.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
		if err := d.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func shortDigest(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
