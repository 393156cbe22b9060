// Package herrors implements the structured application error used across
// the engine: a code, a human message, a context map, and an optional chain
// of causes.
package herrors

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	// UnknownCode is used when a foreign error exposes no specific code.
	UnknownCode = "APP/UNKNOWN"
	// GenericCode is used for errors built from a free-form message.
	GenericCode = "APP/GENERIC"
)

// Error is the engine's structured error type. The zero value is not useful;
// construct with New.
type Error struct {
	Code    string
	Message string
	Context map[string]string
	Cause   *Error
	CrashID string
}

// New builds an Error with the given code and message and an empty context.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext returns e with key=value added to its context map. Mutates and
// returns e for chaining, mirroring the builder style this type is modeled
// on.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 1)
	}
	e.Context[key] = value
	return e
}

// WithContexts merges entries into e's context map.
func (e *Error) WithContexts(entries map[string]string) *Error {
	if len(entries) == 0 {
		return e
	}
	if e.Context == nil {
		e.Context = make(map[string]string, len(entries))
	}
	for k, v := range entries {
		e.Context[k] = v
	}
	return e
}

// WithCause sets e's nested cause.
func (e *Error) WithCause(cause *Error) *Error {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Context)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// MarshalJSON renders the flat error payload described by the error-handling
// design: code, message, optional context, optional cause, optional crash id.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Context map[string]string `json:"context,omitempty"`
		Cause   *Error            `json:"cause,omitempty"`
		CrashID string            `json:"crash_id,omitempty"`
	}
	return json.Marshal(wire{
		Code:    e.Code,
		Message: e.Message,
		Context: e.Context,
		Cause:   e.Cause,
		CrashID: e.CrashID,
	})
}

// Critical marks err as critical: it mints a UUIDv7 crash id, replaces the
// outward message with a sanitised placeholder, and returns the new error.
// The caller is expected to log the original error (with full context)
// before discarding it; Critical itself does not log.
func Critical(err *Error) *Error {
	id := uuid.Must(uuid.NewV7()).String()
	sanitised := New("RUNTIME/PANIC", "An unexpected error occurred; this has been recorded as crash "+id)
	sanitised.CrashID = id
	sanitised.Cause = err
	return sanitised
}

// FromIOError converts a filesystem error into a structured *Error with an
// IO/<kind> code.
func FromIOError(err error) *Error {
	if err == nil {
		return nil
	}
	kind := "Other"
	switch {
	case errors.Is(err, fs.ErrNotExist), os.IsNotExist(err):
		kind = "NotFound"
	case errors.Is(err, fs.ErrExist), os.IsExist(err):
		kind = "AlreadyExists"
	case errors.Is(err, fs.ErrPermission), os.IsPermission(err):
		kind = "PermissionDenied"
	case errors.Is(err, fs.ErrClosed):
		kind = "Closed"
	}
	e := New("IO/"+kind, err.Error())
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		e.WithContext("path", pathErr.Path).WithContext("op", pathErr.Op)
	}
	return e
}

// FromJSONError converts an encoding/json error into a JSON/* coded Error.
func FromJSONError(err error) *Error {
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return New("JSON/SYNTAX", err.Error()).WithContext("offset", fmt.Sprintf("%d", syn.Offset))
	}
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return New("JSON/DATA", err.Error()).WithContext("field", ute.Field)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return New("JSON/EOF", err.Error())
	}
	return New("JSON/ERROR", err.Error())
}

// FromSQLError converts a database/sql (or modernc.org/sqlite) error into a
// SQLX/* or Sqlite/* coded Error.
func FromSQLError(err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return New("SQLX/ROW_NOT_FOUND", "Record not found")
	case errors.Is(err, sql.ErrTxDone):
		return New("SQLX/TX_DONE", "Transaction already committed or rolled back")
	case errors.Is(err, sql.ErrConnDone):
		return New("SQLX/POOL_CLOSED", "Database pool is closed")
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return New("SQLX/POOL_TIMEOUT", "Timed out acquiring a database connection")
	}
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return New("Sqlite/CONSTRAINT_UNIQUE", msg)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return New("Sqlite/CONSTRAINT_FOREIGNKEY", msg)
	}
	return New("SQLX/ERROR", msg)
}

// As reports whether err is, or wraps, an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Code returns err's code if it is (or wraps) an *Error, else "".
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
