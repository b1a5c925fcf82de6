package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	// ErrCodeInsufficientPrivilege is the PostgreSQL error code for
	// permission-denied failures, including RLS policy violations on written rows.
	ErrCodeInsufficientPrivilege = "42501"
	// ErrCodeUniqueViolation is the PostgreSQL error code for unique constraint violations
	ErrCodeUniqueViolation = "23505"
	// ErrCodeForeignKeyViolation is the PostgreSQL error code for foreign key violations
	ErrCodeForeignKeyViolation = "23503"
	// ErrCodeCheckViolation is the PostgreSQL error code for check constraint violations
	ErrCodeCheckViolation = "23514"
)

// ConnErrKind names a class of connection failure.
type ConnErrKind string

const (
	ConnErrParse   ConnErrKind = "connection-string-parse"
	ConnErrDNS     ConnErrKind = "dns"
	ConnErrAuth    ConnErrKind = "authentication"
	ConnErrConnect ConnErrKind = "connect"
)

// ConnectionError wraps a driver-level connect failure with its kind.
type ConnectionError struct {
	Kind ConnErrKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PrivilegeError is returned by the gatekeeper when the logged-in role holds
// a privilege that makes safe probing impossible. It is always fatal.
type PrivilegeError struct {
	Role      string
	Privilege string
	Detail    string
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("role %q is not safe for probing: holds %s (%s)", e.Role, e.Privilege, e.Detail)
}

// IsPrivilegeRejection reports whether err is a gatekeeper rejection.
func IsPrivilegeRejection(err error) bool {
	var pe *PrivilegeError
	return errors.As(err, &pe)
}

// IsPermissionDenied checks if an error is an insufficient-privilege failure,
// either by SQLSTATE or by message. RLS violations surface both ways
// depending on the operation.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == ErrCodeInsufficientPrivilege {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "policy")
}

// IsUniqueViolation checks if an error is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == ErrCodeUniqueViolation
	}
	return false
}

// IsForeignKeyViolation checks if an error is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == ErrCodeForeignKeyViolation
	}
	return false
}

// IsCheckViolation checks if an error is a check constraint violation
func IsCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == ErrCodeCheckViolation
	}
	return false
}

// GetConstraintName returns the constraint name from a PostgreSQL error
func GetConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
