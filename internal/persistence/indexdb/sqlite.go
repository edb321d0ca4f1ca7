package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"regionpack.ai/internal/catalogs"
)

const schemaVersion = "1"

// SQLiteIndex records conversion runs and their per-region results. Writes are
// queued to a single writer goroutine and committed in batches.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed against concurrent sends on ch.
	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqRegion
)

type req struct {
	kind   reqKind
	run    RunRow
	region RegionRow
}

type RunRow struct {
	RunID         string
	Version       string
	CatalogDigest string
	RegionDir     string
	OutputDir     string
	Regions       int
	Converted     int
	Skipped       int
	Chunks        int64
	Bytes         int64
	Status        string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

type RegionRow struct {
	RunID      string
	Region     string
	X, Z       int
	Output     string
	Status     string
	Chunks     int
	Sections   int
	Bytes      int64
	Checksum   string
	Error      string
	DurationMS int64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			states INTEGER NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			catalog_digest TEXT NOT NULL,
			region_dir TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			regions INTEGER NOT NULL,
			converted INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS regions (
			run_id TEXT NOT NULL,
			region TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			output TEXT,
			status TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			sections INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			checksum TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, region)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_regions_xz ON regions(x, z);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database. It reports the first
// write error the writer goroutine hit, if any.
func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.firstErr()
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// RecordRun queues a run row. It blocks while the queue is full so no result is
// lost; a nil or closed index ignores the call.
func (s *SQLiteIndex) RecordRun(r RunRow) {
	s.send(req{kind: reqRun, run: r})
}

func (s *SQLiteIndex) RecordRegion(r RegionRow) {
	s.send(req{kind: reqRegion, region: r})
}

func (s *SQLiteIndex) send(r req) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- r
}

// UpsertCatalog stores the registry used by a run, keyed by its version.
func (s *SQLiteIndex) UpsertCatalog(reg *catalogs.Registry) error {
	if s == nil || reg == nil {
		return nil
	}
	ids := make(map[string]uint16, reg.Len())
	for _, k := range reg.Keys() {
		id, _ := reg.Lookup(k)
		ids[k] = id
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,states,json,updated_at) VALUES(?,?,?,?,?)`,
		reg.Version, reg.Digest, reg.Len(), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// Regions returns the region rows of a run ordered by region name.
func (s *SQLiteIndex) Regions(ctx context.Context, runID string) ([]RegionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,region,x,z,COALESCE(output,''),status,chunks,sections,bytes,COALESCE(checksum,''),COALESCE(error,''),duration_ms
		FROM regions WHERE run_id=? ORDER BY region`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RegionRow
	for rows.Next() {
		var r RegionRow
		if err := rows.Scan(&r.RunID, &r.Region, &r.X, &r.Z, &r.Output, &r.Status, &r.Chunks, &r.Sections, &r.Bytes, &r.Checksum, &r.Error, &r.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *SQLiteIndex) firstErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, err := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,version,catalog_digest,region_dir,output_dir,regions,converted,skipped,chunks,bytes,status,error,started_at,finished_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.setErr(err)
	}
	insertRegion, err := s.db.Prepare(`INSERT OR REPLACE INTO regions(run_id,region,x,z,output,status,chunks,sections,bytes,checksum,error,duration_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.setErr(err)
	}
	defer func() {
		if insertRun != nil {
			_ = insertRun.Close()
		}
		if insertRegion != nil {
			_ = insertRegion.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.setErr(err)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.setErr(err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-tick.C:
			// Idle: do not hold the only connection across a quiet period.
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		s.apply(tx, insertRun, insertRegion, r, &opCount)
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}

func (s *SQLiteIndex) apply(tx *sql.Tx, insertRun, insertRegion *sql.Stmt, r req, opCount *int) {
	switch r.kind {
	case reqRun:
		if insertRun == nil {
			return
		}
		ru := r.run
		if _, err := tx.Stmt(insertRun).Exec(
			ru.RunID,
			ru.Version,
			ru.CatalogDigest,
			ru.RegionDir,
			ru.OutputDir,
			ru.Regions,
			ru.Converted,
			ru.Skipped,
			ru.Chunks,
			ru.Bytes,
			ru.Status,
			nullable(ru.Error),
			ru.StartedAt.UTC().Format(time.RFC3339Nano),
			ru.FinishedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			s.setErr(fmt.Errorf("run %s: %w", ru.RunID, err))
			return
		}
		*opCount++

	case reqRegion:
		if insertRegion == nil {
			return
		}
		re := r.region
		if _, err := tx.Stmt(insertRegion).Exec(
			re.RunID,
			re.Region,
			re.X, re.Z,
			nullable(re.Output),
			re.Status,
			re.Chunks,
			re.Sections,
			re.Bytes,
			nullable(re.Checksum),
			nullable(re.Error),
			re.DurationMS,
		); err != nil {
			s.setErr(fmt.Errorf("region %s: %w", re.Region, err))
			return
		}
		*opCount++
	}
}
