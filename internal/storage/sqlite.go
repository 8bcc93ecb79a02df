//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return fmt.Errorf("set pragmas: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Write(ctx context.Context, record Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if !record.Kind.Valid() {
		return fmt.Errorf("unsupported record kind: %s", record.Kind)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO records (kind, id, schema_version, codec_version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, string(record.Kind), record.ID, record.SchemaVersion, record.CodecVersion, []byte(record.Payload), record.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) Read(ctx context.Context, kind Kind, id string) (Record, error) {
	db, err := s.getDB()
	if err != nil {
		return Record{}, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT kind, id, schema_version, codec_version, payload, updated_at
		FROM records WHERE kind = ? AND id = ?
	`, string(kind), id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return Record{}, err
	}
	return record, nil
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT kind, id, schema_version, codec_version, payload, updated_at
		FROM records WHERE kind = ? ORDER BY id
	`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record    Record
		kind      string
		payload   []byte
		updatedAt string
	)
	if err := row.Scan(&kind, &record.ID, &record.SchemaVersion, &record.CodecVersion, &payload, &updatedAt); err != nil {
		return Record{}, err
	}
	record.Kind = Kind(kind)
	record.Payload = payload
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		record.UpdatedAt = ts
	}
	return record, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		);
	`)
	return err
}
