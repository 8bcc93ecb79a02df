package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const defaultPostgresDSN = "postgres://localhost/neurofleet?sslmode=disable"

// PostgresStore persists records as JSONB rows keyed by (kind, id).
type PostgresStore struct {
	dsn string

	mu sync.RWMutex
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) *PostgresStore {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	return &PostgresStore{dsn: dsn}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS neurofleet_records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		)
	`); err != nil {
		_ = db.Close()
		return fmt.Errorf("create records table: %w", err)
	}
	s.db = db
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, record Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if !record.Kind.Valid() {
		return fmt.Errorf("unsupported record kind: %s", record.Kind)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO neurofleet_records (kind, id, schema_version, codec_version, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			codec_version = EXCLUDED.codec_version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, string(record.Kind), record.ID, record.SchemaVersion, record.CodecVersion, string(record.Payload), record.UpdatedAt.UTC())
	return err
}

func (s *PostgresStore) Read(ctx context.Context, kind Kind, id string) (Record, error) {
	db, err := s.getDB()
	if err != nil {
		return Record{}, err
	}
	var (
		record  Record
		k       string
		payload []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT kind, id, schema_version, codec_version, payload, updated_at
		FROM neurofleet_records WHERE kind = $1 AND id = $2
	`, string(kind), id).Scan(&k, &record.ID, &record.SchemaVersion, &record.CodecVersion, &payload, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return Record{}, err
	}
	record.Kind = Kind(k)
	record.Payload = payload
	return record, nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, id, schema_version, codec_version, payload, updated_at
		FROM neurofleet_records WHERE kind = $1 ORDER BY id
	`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			record  Record
			k       string
			payload []byte
		)
		if err := rows.Scan(&k, &record.ID, &record.SchemaVersion, &record.CodecVersion, &payload, &record.UpdatedAt); err != nil {
			return nil, err
		}
		record.Kind = Kind(k)
		record.Payload = payload
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}
