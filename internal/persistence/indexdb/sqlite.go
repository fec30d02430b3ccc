package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick atomic.Uint64
	dropRun  atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqRun
)

type req struct {
	kind reqKind

	tick engine.TickLogEntry
	run  runRow
}

type runRow struct {
	RunID     string
	Scenario  string
	StartedAt string
	Digest    string
	Tuning    string
}

// Stats reports queue pressure. Drops only lose index rows; the journal keeps
// every decision.
type Stats struct {
	DropTickTotal uint64 `json:"drop_tick_total"`
	DropRunTotal  uint64 `json:"drop_run_total"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
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
		ch: make(chan req, 65536),
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
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			started_at TEXT NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			now_ms INTEGER NOT NULL,
			ego INTEGER NOT NULL,
			engaged INTEGER NOT NULL,
			events INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			at_ms INTEGER NOT NULL,
			entity INTEGER NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			x REAL,
			y REAL,
			z REAL,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_entity_at ON decisions(entity, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_kind_action ON decisions(kind, action, reason);`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			entity INTEGER NOT NULL,
			subsystem TEXT NOT NULL,
			reason TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			PRIMARY KEY (run_id, tick, subsystem, entity)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the handle for read queries.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropTickTotal: s.dropTick.Load(),
		DropRunTotal:  s.dropRun.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

func (s *SQLiteIndex) WriteTick(entry engine.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

// RecordRun stores the tuning a run was started with.
func (s *SQLiteIndex) RecordRun(runID, scenario string, tune tuning.Tuning) {
	if s == nil || s.closed.Load() {
		return
	}
	b, _ := json.Marshal(tune)
	sum := sha256.Sum256(b)
	r := runRow{
		RunID:     runID,
		Scenario:  scenario,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Digest:    hex.EncodeToString(sum[:]),
		Tuning:    string(b),
	}
	select {
	case s.ch <- req{kind: reqRun, run: r}:
	default:
		s.dropRun.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,scenario,started_at,tuning_digest,tuning_json) VALUES(?,?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,now_ms,ego,engaged,events,failures,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertDecision, _ := s.db.Prepare(`INSERT OR REPLACE INTO decisions(run_id,tick,seq,at_ms,entity,kind,action,reason,x,y,z) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertFailure, _ := s.db.Prepare(`INSERT OR REPLACE INTO failures(run_id,tick,entity,subsystem,reason,x,y,z) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertTick, insertDecision, insertFailure} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			ru := r.run
			exec(insertRun, ru.RunID, ru.Scenario, ru.StartedAt, ru.Digest, ru.Tuning)

		case reqTick:
			t := r.tick
			b, _ := json.Marshal(t)
			if !exec(insertTick, t.RunID, int64(t.Tick), int64(t.Now), int64(t.Ego), t.Engaged, len(t.Events), len(t.Failures), string(b)) {
				continue
			}
			ok := true
			for i, ev := range t.Events {
				var x, y, z any
				if ev.Target != nil {
					x, y, z = ev.Target.X, ev.Target.Y, ev.Target.Z
				}
				if ok = exec(insertDecision, t.RunID, int64(t.Tick), i, int64(ev.At), int64(ev.Entity),
					string(ev.Kind), string(ev.Action), string(ev.Reason), x, y, z); !ok {
					break
				}
			}
			if !ok {
				continue
			}
			for _, f := range t.Failures {
				if !exec(insertFailure, t.RunID, int64(t.Tick), int64(f.Entity), f.Subsystem, f.Reason.String(),
					f.Point.X, f.Point.Y, f.Point.Z) {
					break
				}
			}
		}
		flushIfNeeded()
	}

	commit()
}
