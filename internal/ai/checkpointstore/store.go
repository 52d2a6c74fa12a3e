package checkpointstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed index of checkpoint artifacts. The JSON
// blobs on disk stay authoritative; the index only makes listing and lookup
// cheap for /restore.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_name TEXT NOT NULL UNIQUE,
	tool_name TEXT NOT NULL,
	target_path TEXT NOT NULL,
	commit_hash TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at_unix_ms DESC);
`)
	return err
}

type Record struct {
	ID              int64  `json:"id"`
	FileName        string `json:"file_name"`
	ToolName        string `json:"tool_name"`
	TargetPath      string `json:"target_path"`
	CommitHash      string `json:"commit_hash"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) Insert(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return errors.New("store not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fileName := strings.TrimSpace(rec.FileName)
	if fileName == "" {
		return errors.New("missing file_name")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (file_name, tool_name, target_path, commit_hash, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(file_name) DO NOTHING
`, fileName, strings.TrimSpace(rec.ToolName), strings.TrimSpace(rec.TargetPath), strings.TrimSpace(rec.CommitHash), rec.CreatedAtUnixMs)
	return err
}

// List returns the most recent checkpoints, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, file_name, tool_name, target_path, commit_hash, created_at_unix_ms
FROM checkpoints
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.FileName, &rec.ToolName, &rec.TargetPath, &rec.CommitHash, &rec.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByFileName resolves a single checkpoint record.
func (s *Store) GetByFileName(ctx context.Context, fileName string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, errors.New("store not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return Record{}, errors.New("missing file_name")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, file_name, tool_name, target_path, commit_hash, created_at_unix_ms
FROM checkpoints
WHERE file_name = ?
`, fileName)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.FileName, &rec.ToolName, &rec.TargetPath, &rec.CommitHash, &rec.CreatedAtUnixMs); err != nil {
		return Record{}, err
	}
	return rec, nil
}
