package database

import "time"

type PostgresConfig struct {
	// libpq connection parameters, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
	// Upper bound on pooled connections. Zero uses the pgxpool default.
	MaxConns int32
	// Number of attempts made to reach the database at startup.
	ConnectAttempts uint
	// Delay between startup connection attempts.
	ConnectDelay time.Duration
}
