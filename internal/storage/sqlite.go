// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/setsumei/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS captions (
		id TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		source TEXT NOT NULL,
		filename TEXT,
		path TEXT,
		content_type TEXT,
		sniffed_type TEXT,
		caption TEXT NOT NULL,
		model TEXT NOT NULL,
		width INTEGER,
		height INTEGER,
		duration_ms INTEGER,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_captions_created_at ON captions(created_at);
	CREATE INDEX IF NOT EXISTS idx_captions_digest ON captions(digest);
	`
	_, err := db.Exec(schema)
	return err
}

const recordColumns = `id, digest, source, filename, path, content_type, sniffed_type, caption, model,
	width, height, duration_ms, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.CaptionRecord, error) {
	var rec models.CaptionRecord
	var filename, path, contentType, sniffed, metadataJSON sql.NullString
	var width, height, duration sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Digest, &rec.Source, &filename, &path, &contentType, &sniffed,
		&rec.Caption, &rec.Model, &width, &height, &duration, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Filename = filename.String
	rec.Path = path.String
	rec.ContentType = contentType.String
	rec.SniffedType = sniffed.String
	rec.Width = int(width.Int64)
	rec.Height = int(height.Int64)
	rec.DurationMS = duration.Int64
	if metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// CreateRecord inserts a record. An existing record with the same ID is replaced and keeps
// its original created_at.
func (s *SQLiteStorage) CreateRecord(ctx context.Context, rec *models.CaptionRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO captions (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			digest = excluded.digest, source = excluded.source, filename = excluded.filename,
			path = excluded.path, content_type = excluded.content_type,
			sniffed_type = excluded.sniffed_type, caption = excluded.caption, model = excluded.model,
			width = excluded.width, height = excluded.height, duration_ms = excluded.duration_ms,
			metadata = excluded.metadata, updated_at = excluded.updated_at`,
		rec.ID, rec.Digest, rec.Source, rec.Filename, rec.Path, rec.ContentType, rec.SniffedType,
		rec.Caption, rec.Model, rec.Width, rec.Height, rec.DurationMS, string(metadataJSON),
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// GetRecord returns a record by ID.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id string) (*models.CaptionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM captions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// GetRecordByDigest returns the most recently updated record for digest.
func (s *SQLiteStorage) GetRecordByDigest(ctx context.Context, digest string) (*models.CaptionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM captions WHERE digest = ?
		 ORDER BY updated_at DESC LIMIT 1`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: digest %s", ErrNotFound, digest)
	}
	return rec, err
}

// GetRecords returns the records with the given IDs keyed by ID. Missing IDs are skipped.
func (s *SQLiteStorage) GetRecords(ctx context.Context, ids []string) (map[string]*models.CaptionRecord, error) {
	out := make(map[string]*models.CaptionRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM captions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// ListRecords returns records newest first with offset and limit.
func (s *SQLiteStorage) ListRecords(ctx context.Context, offset, limit int) ([]*models.CaptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM captions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.CaptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRecord removes a record by ID. Deleting a missing record is not an error.
func (s *SQLiteStorage) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM captions WHERE id = ?`, id)
	return err
}

// CountRecords returns the total number of records.
func (s *SQLiteStorage) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captions`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
