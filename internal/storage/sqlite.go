package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"rssbot/internal/model"
	"rssbot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases stable across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns the recorded identifiers in insertion order.
func (s *SQLite) Load(ctx context.Context) (model.State, error) {
	version, err := s.version(ctx)
	if err != nil {
		return model.State{}, err
	}
	if version != 0 && version != model.StateVersion {
		return model.State{}, fmt.Errorf("%w: unsupported state version %d", ErrCorruptState, version)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_id FROM seen_entries ORDER BY seq`)
	if err != nil {
		return model.State{}, fmt.Errorf("%w: query seen entries: %w", ErrIO, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return model.State{}, fmt.Errorf("%w: scan seen entry: %w", ErrCorruptState, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return model.State{}, fmt.Errorf("%w: iterate seen entries: %w", ErrIO, err)
	}
	return model.NewState(ids), nil
}

func (s *SQLite) version(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state_meta WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read state version: %w", ErrIO, err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: state version %q: %w", ErrCorruptState, raw, err)
	}
	return v, nil
}

// Save replaces all recorded identifiers inside a single transaction.
func (s *SQLite) Save(ctx context.Context, state model.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_entries`); err != nil {
		return fmt.Errorf("%w: clear seen entries: %w", ErrIO, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO seen_entries (entry_id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %w", ErrIO, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range state.Seen {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("%w: insert seen entry: %w", ErrIO, err)
		}
	}

	now := time.Now().UTC().Format(timeLayout)
	for key, value := range map[string]string{
		"version":  strconv.Itoa(model.StateVersion),
		"saved_at": now,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("%w: update %s: %w", ErrIO, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrIO, err)
	}
	return nil
}
