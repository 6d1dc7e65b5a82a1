package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists namespaces in a single kv table. Update runs inside an
// immediate transaction so concurrent writers (goroutines or processes sharing
// the file) serialize on the SQLite write lock.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("sqlite", "open", "", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL, a busy timeout and immediate
// transactions, the settings Update relies on.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
		  namespace TEXT NOT NULL,
		  key TEXT NOT NULL,
		  value TEXT NOT NULL,
		  PRIMARY KEY (namespace, key)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return unavailable("sqlite", "migrate", "", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace string) (Record, error) {
	if err := validateNamespace("sqlite", namespace); err != nil {
		return nil, err
	}
	return loadNamespace(ctx, s.db, namespace)
}

func (s *SQLiteStore) GetKey(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	if err := validateNamespace("sqlite", namespace); err != nil {
		return nil, false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("sqlite", "get key", namespace, err)
	}
	return json.RawMessage(raw), true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace string, partial Record) error {
	if err := validateNamespace("sqlite", namespace); err != nil {
		return err
	}
	if len(partial) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite", "set", namespace, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertKeys(ctx, tx, namespace, partial); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sqlite", "set", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) Empty(ctx context.Context, namespace string) error {
	if err := validateNamespace("sqlite", namespace); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return unavailable("sqlite", "empty", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, namespace string, fn UpdateFunc) error {
	if err := validateNamespace("sqlite", namespace); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("sqlite store: update func is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite", "update", namespace, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadNamespace(ctx, tx, namespace)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return unavailable("sqlite", "update", namespace, err)
	}
	if err := upsertKeys(ctx, tx, namespace, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sqlite", "update", namespace, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadNamespace(ctx context.Context, q queryer, namespace string) (Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, unavailable("sqlite", "get", namespace, err)
	}
	defer func() { _ = rows.Close() }()

	rec := Record{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, unavailable("sqlite", "scan", namespace, err)
		}
		rec[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite", "iterate", namespace, err)
	}
	return rec, nil
}

func upsertKeys(ctx context.Context, tx *sql.Tx, namespace string, rec Record) error {
	for k, v := range rec {
		if !json.Valid(v) {
			return errors.Errorf("sqlite store: value for %q in %q is not valid JSON", k, namespace)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv(namespace, key, value) VALUES(?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
		`, namespace, k, string(v)); err != nil {
			return unavailable("sqlite", "upsert", namespace, err)
		}
	}
	return nil
}
