package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext retrieves the transaction started by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the connection carried by ctx and returns a
// context that carries the transaction. The caller commits or rolls back.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// RunInTx runs fn inside a transaction. It reuses the connection in ctx when
// one is present and falls back to the pool otherwise. The transaction is
// committed when fn returns nil and rolled back otherwise.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else if pool != nil {
		tx, err = pool.Begin(ctx)
	} else {
		return errors.New("no database connection in context")
	}
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, DBTxKey, tx), tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
