package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnknownReference se devuelve cuando una FK apunta a una fila inexistente.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrDuplicate se devuelve ante una violacion de unicidad.
	ErrDuplicate = errors.New("duplicate")
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return ErrUnknownReference
	case pgUniqueViolation:
		return ErrDuplicate
	}
	return err
}
