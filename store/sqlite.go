package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// DefaultQueryTimeout bounds each SQLite operation so a slow disk cannot
// hang a read path that is supposed to degrade to a cache miss.
const DefaultQueryTimeout = 5 * time.Second

type sqliteStore struct {
	db           *sql.DB
	queryTimeout time.Duration
	once         sync.Once
	closed       chan struct{}
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by a SQLite database at dbPath.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(dbPath string) (Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}

	// WAL mode for concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enable WAL")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: create kv table")
	}

	return &sqliteStore{
		db:           db,
		queryTimeout: DefaultQueryTimeout,
		closed:       make(chan struct{}),
	}, nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *sqliteStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var value []byte
	err := s.db.QueryRowContext(qctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "store: get")
	}
	return value, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	return errors.Wrap(err, "store: set")
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "store: delete")
}

func (s *sqliteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args := `DELETE FROM kv WHERE key >= ? AND key < ?`, []any{prefix, prefixUpperBound(prefix)}
	if prefix == "" {
		query, args = `DELETE FROM kv`, nil
	}
	result, err := s.db.ExecContext(qctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "store: delete prefix")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: delete prefix rows")
	}
	return int(rows), nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args := `SELECT key FROM kv WHERE key >= ? AND key < ? ORDER BY key`, []any{prefix, prefixUpperBound(prefix)}
	if prefix == "" {
		query, args = `SELECT key FROM kv ORDER BY key`, nil
	}
	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "store: keys scan")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "store: keys rows")
}

func (s *sqliteStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		close(s.closed)
		dbErr = s.db.Close()
	})
	return dbErr
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, suitable as an exclusive range end. An empty
// prefix matches everything, so the bound is a high sentinel.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}
