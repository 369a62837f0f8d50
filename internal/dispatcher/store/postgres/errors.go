package postgres

import (
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

const (
	procFrameConstraint       = "proc_frame_unique"
	dependSignatureConstraint = "depend_signature_unique"
)

// pgErrorCode returns the postgres error code and violated constraint carried by err.
func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error, constraint string) bool {
	code, name := pgErrorCode(err)
	return code == pgerrcode.UniqueViolation && name == constraint
}

func isLockNotAvailable(err error) bool {
	code, _ := pgErrorCode(err)
	return code == pgerrcode.LockNotAvailable
}

func isCheckViolation(err error) bool {
	code, _ := pgErrorCode(err)
	return code == pgerrcode.CheckViolation
}
