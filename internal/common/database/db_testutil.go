package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/spindle-render/spindle/internal/common/util"
)

// TestPostgresEnvVar holds the libpq connection string of the server used by database tests.
// Tests needing postgres are skipped when it is unset.
const TestPostgresEnvVar = "SPINDLE_TEST_POSTGRES"

// TestConnectionString returns the connection string from TestPostgresEnvVar and whether it was set.
func TestConnectionString() (string, bool) {
	return os.LookupEnv(TestPostgresEnvVar)
}

// WithTestDb spins up a dedicated Postgres database for testing, applies migrations and drops it afterwards.
//
//	connectionString: server to create the database on
//	migrations: applied before entering the action callback
//	action: callback for client code
func WithTestDb(connectionString string, migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.
	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db users before cleanup
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = $1`, dbName)
		if err != nil {
			log.Warnf("Failed to disconnect users from %s: %v", dbName, err)
		}
		if _, err := db.Exec(ctx, "DROP DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
			log.Warnf("Failed to drop database %s: %v", dbName, err)
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}
