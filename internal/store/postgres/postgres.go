// Package postgres is a TableStore backend over a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tfbars/internal/store"
	"tfbars/internal/store/sqlstore"
)

// Config holds DB connection details.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	PoolMax  int
}

// URL renders the connection string.
func (c Config) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

type dialect struct{}

func (dialect) Name() string             { return "postgres" }
func (dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (dialect) Types() store.TypeNames {
	return store.TypeNames{store.Int: "BIGINT", store.Real: "DOUBLE PRECISION", store.Text: "TEXT", store.Bool: "BOOLEAN"}
}

type backend struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (b backend) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if b.tx != nil {
		tag, err := b.tx.Exec(ctx, query, args...)
		return tag.RowsAffected(), err
	}
	tag, err := b.pool.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (b backend) Query(ctx context.Context, query string, args []any, fn func([]any) error) error {
	var (
		rows pgx.Rows
		err  error
	)
	if b.tx != nil {
		rows, err = b.tx.Query(ctx, query, args...)
	} else {
		rows, err = b.pool.Query(ctx, query, args...)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b backend) InTx(ctx context.Context, fn func(sqlstore.Backend) error) error {
	if b.tx != nil {
		return fn(b)
	}
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		return fn(backend{pool: b.pool, tx: tx})
	})
}

// Store is a sqlstore.Store over Postgres.
type Store struct {
	*sqlstore.Store
	pool *pgxpool.Pool
}

// Pool returns the pgx pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Open connects the pool and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if cfg.PoolMax > 0 {
		pcfg.MaxConns = int32(cfg.PoolMax)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	s := &Store{Store: sqlstore.New(backend{pool: pool}, dialect{}), pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("[postgres] connected", "host", cfg.Host, "db", cfg.Database)
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
