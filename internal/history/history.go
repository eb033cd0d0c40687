// Package history persists a ledger of terminal download outcomes to a
// SQLite database, separate from and never consulted by the per-task
// resumability metadata in internal/metastore.
package history

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Entry is one terminal download outcome.
type Entry struct {
	TaskID      int
	URL         string
	DestPath    string
	FileName    string
	Status      string // "completed" | "failed" | "cancelled"
	TotalSize   int64
	Downloaded  int64
	CompletedAt int64 // unix seconds
	ElapsedMS   int64
	Error       string
}

// Store wraps a *sql.DB with the downloads-ledger schema. Safe for
// concurrent use per database/sql's own contract; the extra mutex only
// serializes schema creation on first use.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	init bool
}

// Open lazily creates (if needed) and opens the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		return nil
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			dest_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			status TEXT NOT NULL,
			total_size INTEGER NOT NULL,
			downloaded INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			error TEXT
		)
	`)
	if err != nil {
		return err
	}
	s.init = true
	return nil
}

// Append inserts one terminal outcome. Failure is non-fatal to the
// caller's download lifecycle; callers should log rather than abort on
// error.
func (s *Store) Append(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO downloads (task_id, url, dest_path, file_name, status, total_size, downloaded, completed_at, elapsed_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.URL, e.DestPath, e.FileName, e.Status, e.TotalSize, e.Downloaded, e.CompletedAt, e.ElapsedMS, e.Error,
	)
	return err
}

// List returns the most recent entries, most recent first, up to limit.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT task_id, url, dest_path, file_name, status, total_size, downloaded, completed_at, elapsed_ms, error
		 FROM downloads ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errStr sql.NullString
		if err := rows.Scan(&e.TaskID, &e.URL, &e.DestPath, &e.FileName, &e.Status,
			&e.TotalSize, &e.Downloaded, &e.CompletedAt, &e.ElapsedMS, &errStr); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
