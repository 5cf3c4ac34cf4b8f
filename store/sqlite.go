package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLiteStore persists sessions in a SQLite file. The pool is limited to one
// connection, which serialises every transaction.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, ttl time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttlOrDefault(ttl), now: time.Now}, nil
}

type sqliteRow struct {
	data      []byte
	createdAt int64
	expiresAt int64
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRow(ctx context.Context, q queryRower, id string) (*Session, error) {
	var row sqliteRow
	err := q.QueryRowContext(ctx,
		`SELECT data, created_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&row.data, &row.createdAt, &row.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: id}
	if err := json.Unmarshal(row.data, &sess.Values); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.CreatedAt = fromMillis(row.createdAt)
	sess.ExpiresAt = fromMillis(row.expiresAt)
	return sess, nil
}

// Get loads the session or mints a fresh one.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		sess, err := loadRow(ctx, s.db, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("get session: %w", err)
		case !sess.expired(s.now()):
			return sess, nil
		default:
			if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
				return nil, fmt.Errorf("drop expired session: %w", err)
			}
		}
	}
	return newSession(s.now(), s.ttl)
}

// Put inserts or replaces the session row.
func (s *SQLiteStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess.Values)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, data, created_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		sess.ID, data, toMillis(created), toMillis(s.now().Add(s.ttl)))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Update applies fn inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := loadRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sess.expired(s.now()) {
		return nil, ErrNotFound
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.ID = id
	sess.ExpiresAt = s.now().Add(s.ttl)
	data, err := json.Marshal(sess.Values)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET data = ?, expires_at = ? WHERE id = ?`,
		data, toMillis(sess.ExpiresAt), id); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

// Touch slides the expiry of a live session.
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND expires_at >= ?`,
		toMillis(s.now().Add(s.ttl)), id, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Expire deletes the session row.
func (s *SQLiteStore) Expire(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// Sweep deletes every expired row and reports how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
