package postgres

import (
	"errors"

	"example.com/tlsreporting/internal/domain"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapError translates driver errors onto the domain sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return domain.ErrAlreadyExists
	}
	return err
}

// mapInsertError is mapError for INSERT ... ON CONFLICT DO NOTHING RETURNING,
// where an empty result means the conflicting row already exists.
func mapInsertError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAlreadyExists
	}
	return mapError(err)
}
