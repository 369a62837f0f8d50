// Package postgres implements store.Store on PostgreSQL through pgx. Counters and frames change through single
// conditional UPDATE statements, and row locks are taken with NOWAIT so that a held lock fails the caller instead
// of queuing it.
package postgres

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/database"
	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the schema migrations of the dispatcher database.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFS, "migrations")
}

// Migrate brings the database schema up to date.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ReadTx(ctx *spindlecontext.Context, fn func(tx store.ReadTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := pgTx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctx.Warnf("failed to close read transaction: %v", err)
		}
	}()
	return fn(&readTx{ctx: ctx, tx: pgTx})
}

func (s *Store) WithTx(ctx *spindlecontext.Context, fn func(tx store.Tx) error) error {
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(pgTx pgx.Tx) error {
		return fn(&tx{readTx: readTx{ctx: ctx, tx: pgTx}})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.WithStack(s.db.Ping(ctx))
}
