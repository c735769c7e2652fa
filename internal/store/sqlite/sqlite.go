// Package sqlite is the default TableStore backend: a single-writer SQLite
// database in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"tfbars/internal/store"
	"tfbars/internal/store/sqlstore"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
}

type dialect struct{}

func (dialect) Name() string           { return "sqlite" }
func (dialect) Placeholder(int) string { return "?" }
func (dialect) Types() store.TypeNames {
	return store.TypeNames{store.Int: "INTEGER", store.Real: "REAL", store.Text: "TEXT", store.Bool: "INTEGER"}
}

// querier is the part of *sql.DB and *sql.Tx the backend needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type backend struct {
	db *sql.DB
	q  querier
}

func (b backend) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b backend) Query(ctx context.Context, query string, args []any, fn func([]any) error) error {
	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b backend) InTx(ctx context.Context, fn func(sqlstore.Backend) error) error {
	if _, nested := b.q.(*sql.Tx); nested {
		return fn(b)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(backend{db: b.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Store is a sqlstore.Store over SQLite that also exposes the raw handle for
// health checks.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens the database with WAL mode and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer: all statements share one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{Store: sqlstore.New(backend{db: db, q: db}, dialect{}), db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("[sqlite] opened database", "path", cfg.DBPath)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
