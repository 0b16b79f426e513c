package repository

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// BaseRepository provides common database functionality.
type BaseRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewBaseRepository creates a new base repository instance.
func NewBaseRepository(db *sql.DB, log *zap.Logger) *BaseRepository {
	return &BaseRepository{
		db:  db,
		log: log,
	}
}

// GetDB returns the underlying database connection.
func (r *BaseRepository) GetDB() *sql.DB {
	return r.db
}

// GetLogger returns the logger instance.
func (r *BaseRepository) GetLogger() *zap.Logger {
	return r.log
}

// TxFn represents a function that will be executed within a transaction.
type TxFn func(*sql.Tx) error

// WithTransaction executes the given function within a transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn TxFn) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // re-throw panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}

	return tx.Commit()
}

// DBTX represents a database connection that can execute queries or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
