package txkit

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun/driver/pgdriver"
)

// ErrorCode represents a transaction error classification
type ErrorCode string

const (
	CodeInvalidTimeout        ErrorCode = "INVALID_TIMEOUT"
	CodeInvalidDefinition     ErrorCode = "INVALID_DEFINITION"
	CodeIllegalState          ErrorCode = "ILLEGAL_TRANSACTION_STATE"
	CodeSavepointNotSupported ErrorCode = "SAVEPOINT_NOT_SUPPORTED"
	CodeUsage                 ErrorCode = "TRANSACTION_USAGE"
	CodeUnexpectedRollback    ErrorCode = "UNEXPECTED_ROLLBACK"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeRollbackFailed        ErrorCode = "ROLLBACK_FAILED"
	CodeResourceAccess        ErrorCode = "RESOURCE_ACCESS"
	CodeConnectionFailed      ErrorCode = "CONNECTION_FAILED"
	CodeSerialization         ErrorCode = "SERIALIZATION"
	CodeDeadlock              ErrorCode = "DEADLOCK"
	CodeMigration             ErrorCode = "MIGRATION_FAILED"
)

// Sentinel errors for quick checks
var (
	ErrInvalidTimeout          = errors.New("txkit: invalid transaction timeout")
	ErrInvalidDefinition       = errors.New("txkit: invalid transaction definition")
	ErrIllegalTransactionState = errors.New("txkit: illegal transaction state")
	ErrSavepointNotSupported   = errors.New("txkit: savepoints not supported")
	ErrTransactionUsage        = errors.New("txkit: invalid transaction usage")
	ErrUnexpectedRollback      = errors.New("txkit: transaction rolled back unexpectedly")
	ErrTimeout                 = errors.New("txkit: transaction timed out")
	ErrRollbackFailed          = errors.New("txkit: rollback failed")
	ErrResourceAccess          = errors.New("txkit: resource access failed")
	ErrConnection              = errors.New("txkit: connection failed")
	ErrSerialization           = errors.New("txkit: serialization failure")
	ErrDeadlock                = errors.New("txkit: deadlock detected")
	ErrMigration               = errors.New("txkit: migration failed")
)

// Error is a tagged transaction error
type Error struct {
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Op        string    // Operation that failed (e.g., "Commit", "GetTransaction")
	Cause     error     // Underlying error
	Secondary error     // Failure that happened while handling Cause (e.g. rollback after a failed commit)
}

func (e *Error) Error() string {
	msg := "txkit"
	if e.Op != "" {
		msg += "." + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	if e.Secondary != nil {
		msg += fmt.Sprintf(" (secondary: %v)", e.Secondary)
	}
	return msg
}

// Unwrap exposes both the cause and the secondary failure to errors.Is/As
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Secondary != nil {
		errs = append(errs, e.Secondary)
	}
	return errs
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeInvalidTimeout:
		return target == ErrInvalidTimeout || target == ErrInvalidDefinition
	case CodeInvalidDefinition:
		return target == ErrInvalidDefinition
	case CodeIllegalState:
		return target == ErrIllegalTransactionState
	case CodeSavepointNotSupported:
		return target == ErrSavepointNotSupported
	case CodeUsage:
		return target == ErrTransactionUsage
	case CodeUnexpectedRollback:
		return target == ErrUnexpectedRollback
	case CodeTimeout:
		return target == ErrTimeout
	case CodeRollbackFailed:
		return target == ErrRollbackFailed
	case CodeResourceAccess:
		return target == ErrResourceAccess
	case CodeConnectionFailed:
		return target == ErrConnection || target == ErrResourceAccess
	case CodeSerialization:
		return target == ErrSerialization || target == ErrResourceAccess
	case CodeDeadlock:
		return target == ErrDeadlock || target == ErrResourceAccess
	case CodeMigration:
		return target == ErrMigration
	}
	return false
}

func newError(code ErrorCode, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

func illegalState(op, message string) *Error {
	return newError(CodeIllegalState, op, message)
}

// wrapError converts a raw collaborator error into a resource access Error
func wrapError(err error, op, message string) error {
	if err == nil {
		return nil
	}

	// Already wrapped
	var txErr *Error
	if errors.As(err, &txErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr, op, message)
	}

	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		return &Error{Code: classifySQLState(drvErr.Field('C')), Op: op, Message: message, Cause: err}
	}

	return &Error{
		Code:    CodeResourceAccess,
		Message: message,
		Op:      op,
		Cause:   err,
	}
}

// wrapPgError classifies PostgreSQL errors raised by the physical connection
func wrapPgError(pgErr *pgconn.PgError, op, message string) *Error {
	return &Error{
		Code:    classifySQLState(pgErr.Code),
		Op:      op,
		Message: message,
		Cause:   pgErr,
	}
}

// classifySQLState maps a SQLSTATE to an error code.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func classifySQLState(code string) ErrorCode {
	switch code {
	case "40001": // serialization_failure
		return CodeSerialization
	case "40P01": // deadlock_detected
		return CodeDeadlock
	case "57014": // query_canceled
		return CodeTimeout
	case "08000", "08003", "08006": // connection errors
		return CodeConnectionFailed
	}
	return CodeResourceAccess
}

// IsIllegalState checks if err is an illegal transaction state error
func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalTransactionState)
}

// IsUnexpectedRollback checks if a commit was silently turned into a rollback
func IsUnexpectedRollback(err error) bool {
	return errors.Is(err, ErrUnexpectedRollback)
}

// IsTimeout checks if err is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the transaction may succeed when retried (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a txkit error
func GetErrorCode(err error) (ErrorCode, bool) {
	var txErr *Error
	if errors.As(err, &txErr) {
		return txErr.Code, true
	}
	return "", false
}
