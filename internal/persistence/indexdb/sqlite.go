package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"marscolony.ai/internal/protocol"
)

// SQLiteIndex mirrors governance audit entries into a queryable table. Writes
// go through a buffered channel and a single writer goroutine; the JSONL
// audit log stays the source of truth when the queue overflows.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan protocol.AuditEntry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	WrittenTotal  uint64 `json:"written_total"`
}

// StatusCount is one row of the outcome summary.
type StatusCount struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	N      int    `json:"n"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 4096)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
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
		ch: make(chan protocol.AuditEntry, queue),
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
		`CREATE TABLE IF NOT EXISTS resolutions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			kind TEXT NOT NULL,
			institution_id INTEGER NOT NULL,
			subject_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			approve INTEGER NOT NULL,
			deny INTEGER NOT NULL,
			total INTEGER NOT NULL,
			feasible INTEGER,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resolutions_inst_time ON resolutions(institution_id, time);`,
		`CREATE INDEX IF NOT EXISTS idx_resolutions_kind_status ON resolutions(kind, status);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
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

// WriteAudit queues e. It never blocks; entries are dropped when the writer
// falls behind.
func (s *SQLiteIndex) WriteAudit(e protocol.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropped.Load(),
		WrittenTotal:  s.written.Load(),
	}
}

// Recent returns the newest entries first. An empty kind matches all.
func (s *SQLiteIndex) Recent(ctx context.Context, kind string, limit int) ([]protocol.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_json FROM resolutions WHERE (? = '' OR kind = ?) ORDER BY seq DESC LIMIT ?`,
		kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e protocol.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Summary(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status, COUNT(*) FROM resolutions GROUP BY kind, status ORDER BY kind, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Kind, &c.Status, &c.N); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	insert, _ := s.db.Prepare(`INSERT INTO resolutions(time,kind,institution_id,subject_id,title,status,approve,deny,total,feasible,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
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

	for e := range s.ch {
		begin()
		if tx == nil || insert == nil {
			s.dropped.Add(1)
			continue
		}
		raw, _ := json.Marshal(e)
		var feasible any
		if e.Feasible != nil {
			if *e.Feasible {
				feasible = 1
			} else {
				feasible = 0
			}
		}
		if _, err := tx.Stmt(insert).Exec(
			e.Time,
			e.Kind,
			e.InstitutionID,
			e.SubjectID,
			e.Title,
			e.Status,
			e.Approve,
			e.Deny,
			e.Total,
			feasible,
			e.Reason,
			string(raw),
		); err != nil {
			rollback()
			s.dropped.Add(1)
			continue
		}
		opCount++
		s.written.Add(1)
		// Governance writes are rare; commit as soon as the queue drains.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
