package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/durablerun/durable/internal/durablerr"
)

// translate maps a raw pgx/pgconn error into the durablerr taxonomy. op
// identifies the failing Store method for the wrapped error's Op field.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return durablerr.New(durablerr.KindNotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// connection_exception, connection_does_not_exist,
		// connection_failure, sqlclient_unable_to_establish_sqlconnection,
		// sqlserver_rejected_establishment_of_sqlconnection
		case "08000", "08003", "08006", "08001", "08004":
			return durablerr.New(durablerr.KindStoreUnavailable, op, err)
		}
	}
	return durablerr.New(durablerr.KindStoreUnavailable, op, err)
}
