package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store keeps a ledger of finished downloads (completed or canceled) in
// SQLite. Live checkpoints are JSON files next to the downloads; this DB
// only records outcomes.
type Store struct {
	db *sql.DB
}

// Entry is one finished download.
type Entry struct {
	ID          string
	URL         string
	DestPath    string
	Filename    string
	Status      string
	TotalSize   int64
	Downloaded  int64
	ContentType string
	FinishedAt  int64 // unix seconds
	TimeTaken   int64 // milliseconds of active download time
}

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	dest_path TEXT NOT NULL,
	filename TEXT,
	status TEXT NOT NULL,
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	content_type TEXT,
	finished_at INTEGER,
	time_taken INTEGER
);
CREATE INDEX IF NOT EXISTS idx_downloads_url ON downloads(url);
`

// Open opens (and if needed creates) the history database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Record upserts an entry. A missing id gets a fresh one.
func (s *Store) Record(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FinishedAt == 0 {
		e.FinishedAt = time.Now().Unix()
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO downloads (
				id, url, dest_path, filename, status, total_size, downloaded, content_type, finished_at, time_taken
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				url=excluded.url,
				dest_path=excluded.dest_path,
				filename=excluded.filename,
				status=excluded.status,
				total_size=excluded.total_size,
				downloaded=excluded.downloaded,
				content_type=excluded.content_type,
				finished_at=excluded.finished_at,
				time_taken=excluded.time_taken
		`, e.ID, e.URL, e.DestPath, e.Filename, e.Status, e.TotalSize, e.Downloaded,
			e.ContentType, e.FinishedAt, e.TimeTaken)
		if err != nil {
			return fmt.Errorf("failed to upsert history entry: %w", err)
		}
		return nil
	})
}

// List returns all entries, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, url, dest_path, filename, status, total_size, downloaded, content_type, finished_at, time_taken
		FROM downloads
		ORDER BY finished_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var filename, contentType sql.NullString
		var finishedAt, timeTaken sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.URL, &e.DestPath, &filename, &e.Status,
			&e.TotalSize, &e.Downloaded, &contentType, &finishedAt, &timeTaken,
		); err != nil {
			return nil, err
		}
		e.Filename = filename.String
		e.ContentType = contentType.String
		e.FinishedAt = finishedAt.Int64
		e.TimeTaken = timeTaken.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes an entry by id.
func (s *Store) Remove(id string) error {
	_, err := s.db.Exec("DELETE FROM downloads WHERE id = ?", id)
	return err
}
