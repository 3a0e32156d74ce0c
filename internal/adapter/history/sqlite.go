package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"medigate/internal/domain"
)

// SQLiteStore persists answered queries in SQLite. IDs are the ULIDs minted
// by the orchestrator, so lexical order is creation order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queries (
			id         TEXT PRIMARY KEY,
			query      TEXT NOT NULL,
			response   TEXT NOT NULL,
			provenance TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record stores one answered query.
func (s *SQLiteStore) Record(_ context.Context, rec domain.QueryRecord) error {
	provJSON, err := json.Marshal(rec.Provenance)
	if err != nil {
		return domain.NewDomainError("History.Record", domain.ErrHistoryStore,
			"marshal provenance: "+err.Error())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(
		"INSERT INTO queries (id, query, response, provenance, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Query, rec.Response, string(provJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("History.Record", domain.ErrHistoryStore, err.Error())
	}
	return nil
}

// Recent returns the most recent records, newest first.
func (s *SQLiteStore) Recent(_ context.Context, limit int) ([]domain.QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		"SELECT id, query, response, provenance, created_at FROM queries ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, domain.NewDomainError("History.Recent", domain.ErrHistoryStore, err.Error())
	}
	defer rows.Close()

	var records []domain.QueryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("History.Recent", domain.ErrHistoryStore, err.Error())
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (domain.QueryRecord, error) {
	var rec domain.QueryRecord
	var provJSON, createdAt string
	if err := rows.Scan(&rec.ID, &rec.Query, &rec.Response, &provJSON, &createdAt); err != nil {
		return rec, domain.NewDomainError("History.Recent", domain.ErrHistoryStore, err.Error())
	}
	if err := json.Unmarshal([]byte(provJSON), &rec.Provenance); err != nil {
		return rec, domain.NewDomainError("History.Recent", domain.ErrHistoryStore,
			"decode provenance: "+err.Error())
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rec, domain.NewDomainError("History.Recent", domain.ErrHistoryStore,
			"parse created_at: "+err.Error())
	}
	rec.CreatedAt = t
	return rec, nil
}
