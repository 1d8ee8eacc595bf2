package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"marscolony.ai/internal/persistence/recordstore"
)

// SQLite is a recordstore.Backend that keeps each record as one row.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
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

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM records WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recordstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *SQLite) Save(key string, body []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO records(key, body, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, body, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Keys lists stored record keys, for the admin tool.
func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM records ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
