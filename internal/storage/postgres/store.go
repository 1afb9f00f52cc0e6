package postgres

import (
	"context"
	"fmt"

	"example.com/tlsreporting/internal/ingest"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ingest.Store on PostgreSQL.
type Store struct {
	queries
	db  *DB
	log *log.Logger
}

var _ ingest.Store = (*Store)(nil)

func NewStore(db *DB, logger *log.Logger) *Store {
	return &Store{queries: queries{db: db.Pool}, db: db, log: logger}
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q ingest.Queries) error) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(ctx); err != nil && s.log != nil {
				s.log.Error("rollback after panic failed", "err", err)
			}
			panic(p)
		}
	}()

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queries struct {
	db dbtx
}
