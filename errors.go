package emberkv

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/internal/schema"
	"github.com/myuser/emberkv/internal/storage"
	"github.com/myuser/emberkv/internal/txn"
	"github.com/myuser/emberkv/pack"
)

// Engine error codes. Stable, negative, and outside the platform's errno
// range so the two domains never collide.
const (
	CodeDeadlock       = -10000
	CodeNotFound       = -10001
	CodeConflict       = -10002
	CodeConfig         = -10003
	CodeFormat         = -10004
	CodeAlreadyExists  = -10005
	CodeSchemaMismatch = -10006
	CodeInvalidState   = -10007
)

// Error is an engine error: a stable code plus a message.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works on annotated instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors, one per code.
var (
	// ErrDeadlock: a cycle of mutual conflicts was detected and this
	// transaction was chosen to fail. Roll back and retry.
	ErrDeadlock = &Error{CodeDeadlock, "deadlock: transaction must roll back"}
	// ErrNotFound: no matching record, including a cursor reaching the end
	// of its traversal. An expected outcome, not an exceptional one.
	ErrNotFound = &Error{CodeNotFound, "item not found"}
	// ErrConflict: concurrent operations conflicted; roll back and retry
	// the whole transaction.
	ErrConflict = &Error{CodeConflict, "update conflict: transaction must roll back"}
	// ErrConfig: malformed or unrecognized configuration string.
	ErrConfig = &Error{CodeConfig, "invalid configuration"}
	// ErrFormat: pack/unpack value count, type or width mismatch.
	ErrFormat = &Error{CodeFormat, "format mismatch"}
	// ErrAlreadyExists: table (or key, on a no-overwrite insert) exists.
	ErrAlreadyExists = &Error{CodeAlreadyExists, "already exists"}
	// ErrSchemaMismatch: existing table schema differs from the request.
	ErrSchemaMismatch = &Error{CodeSchemaMismatch, "schema mismatch"}
	// ErrInvalidState: operation invoked on a cursor or session in a state
	// that does not permit it.
	ErrInvalidState = &Error{CodeInvalidState, "invalid state for operation"}
)

var codeMessages = map[int]string{
	CodeDeadlock:       ErrDeadlock.Msg,
	CodeNotFound:       ErrNotFound.Msg,
	CodeConflict:       ErrConflict.Msg,
	CodeConfig:         ErrConfig.Msg,
	CodeFormat:         ErrFormat.Msg,
	CodeAlreadyExists:  ErrAlreadyExists.Msg,
	CodeSchemaMismatch: ErrSchemaMismatch.Msg,
	CodeInvalidState:   ErrInvalidState.Msg,
}

// Strerror describes an error code: engine codes from the table above,
// anything else deferred to the platform's errno strings.
func Strerror(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	if code > 0 {
		return syscall.Errno(code).Error()
	}
	return fmt.Sprintf("unknown error: %d", code)
}

// errf builds an annotated instance of a sentinel's code.
func errf(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Msg: base.Msg + ": " + fmt.Sprintf(format, args...)}
}

// mapErr translates internal-package errors to the public taxonomy.
// Errors already in it pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	var formatErr *pack.FormatError
	if errors.As(err, &formatErr) {
		return &Error{Code: CodeFormat, Msg: formatErr.Error()}
	}
	var configErr *config.ConfigError
	if errors.As(err, &configErr) {
		return &Error{Code: CodeConfig, Msg: configErr.Error()}
	}
	var conflict *storage.Conflict
	if errors.As(err, &conflict) {
		return errf(ErrConflict, "%v", conflict)
	}
	switch {
	case errors.Is(err, txn.ErrConflict):
		return ErrConflict
	case errors.Is(err, txn.ErrDeadlock):
		return ErrDeadlock
	case errors.Is(err, schema.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, schema.ErrExists):
		return ErrAlreadyExists
	case errors.Is(err, schema.ErrMismatch):
		return ErrSchemaMismatch
	}
	return err
}
