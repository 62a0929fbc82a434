package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS sessions (
	session_key  TEXT PRIMARY KEY,
	session_data BLOB NOT NULL,
	updated_at   TEXT NOT NULL
)`

// SQLite stores sessions in a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and a busy timeout applied to every pooled connection.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Name implements Backend.
func (*SQLite) Name() string { return "sqlite" }

// Has implements Backend.
func (s *SQLite) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_key = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: count: %w", err)
	}
	return n > 0, nil
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, id string) (*Session, error) {
	var (
		data    []byte
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_data, updated_at FROM sessions WHERE session_key = ?`, id,
	).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: select: %w", err)
	}

	out := &Session{ID: id, Data: data}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		out.UpdatedAt = t
	}
	return out, nil
}

// Put implements Backend as INSERT ... ON CONFLICT DO UPDATE.
func (s *SQLite) Put(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, session_data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			session_data = excluded.session_data,
			updated_at   = excluded.updated_at`,
		sess.ID, []byte(sess.Data), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	return nil
}

// Remove implements Backend.
func (s *SQLite) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
