package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// Conn returns the transaction open on ctx, or db when there is none.
// Repositories run every statement through it so they join the caller's
// transaction without knowing about it.
func Conn(ctx context.Context, db DB) Queryer {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open transaction
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return ok && tx != nil
}

// RunInTx runs fn inside a transaction stored on the context passed to fn.
// A call made while a transaction is already open joins it; only the
// outermost call commits. Errors and panics roll back.
func RunInTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("error while beginning transaction")
		return fmt.Errorf("error while beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.WithContext(ctx).WithError(rbErr).Error("error while rolling back transaction")
			}
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logger.WithContext(ctx).WithError(rbErr).Error("error while rolling back transaction")
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		logger.WithContext(ctx).WithError(err).Error("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}
	return nil
}
