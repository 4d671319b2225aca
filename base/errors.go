package base

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

var (
	ErrDbAccessFailed = errors.New("db access failed")
	ErrQueryTimeout   = errors.New("query timed out")
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

// ValidationError reports a bad request parameter. Field is the offending
// parameter name, empty when the error concerns the request as a whole.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("Field %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	What   string
	Name   string
	Within string
}

func (e *NotFoundError) Error() string {
	if e.Within != "" {
		return fmt.Sprintf("%s '%s' could not be located in %s", e.What, e.Name, e.Within)
	}
	return fmt.Sprintf("%s '%s' could not be located", e.What, e.Name)
}

func NewNotFoundError(what, name, within string) error {
	return &NotFoundError{What: what, Name: name, Within: within}
}

type AuthorizationError struct {
	Realm string
	Msg   string
}

func (e *AuthorizationError) Error() string {
	return e.Msg
}

type TimeoutError struct {
	Msg string
	Err error
}

func (e *TimeoutError) Error() string {
	return e.Msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds the upload limit of %d bytes", e.Limit)
}

// Pos locates an event in an RD source.
type Pos struct {
	Source string
	Line   int
	Col    int
}

func (p Pos) String() string {
	if p.Source == "" && p.Line == 0 {
		return "<internal>"
	}
	return fmt.Sprintf("%s, line %d, col %d", p.Source, p.Line, p.Col)
}

type StructureError struct {
	Pos  Pos
	Msg  string
	Hint string
	Err  error
}

func (e *StructureError) Error() string {
	msg := fmt.Sprintf("At %s: %s", e.Pos, e.Msg)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *StructureError) Unwrap() error {
	return e.Err
}

func NewStructureError(pos Pos, format string, args ...any) *StructureError {
	return &StructureError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

type LiteralParseError struct {
	Attr    string
	Literal string
	Pos     Pos
	Err     error
}

func (e *LiteralParseError) Error() string {
	msg := fmt.Sprintf("At %s: '%s' is not a valid value for %s", e.Pos, e.Literal, e.Attr)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LiteralParseError) Unwrap() error {
	return e.Err
}

type MacroError struct {
	Name string
	Pos  Pos
	Hint string
}

func (e *MacroError) Error() string {
	msg := fmt.Sprintf("At %s: unknown macro '%s'", e.Pos, e.Name)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// StatusCode maps an error from anywhere in the request path onto an HTTP
// status code.
func StatusCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}

	var verr *ValidationError
	var lerr *LiteralParseError
	var nerr *NotFoundError
	var aerr *AuthorizationError
	var terr *TimeoutError
	var serr *TooLargeError

	switch {
	case errors.As(err, &verr), errors.As(err, &lerr):
		return http.StatusBadRequest
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &aerr):
		return http.StatusUnauthorized
	case errors.As(err, &serr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &terr), errors.Is(err, ErrQueryTimeout):
		return http.StatusServiceUnavailable
	}

	slog.Error("unclassified error mapped to internal server error", "error", err)
	return http.StatusInternalServerError
}

// IsClientError is true for errors caused by the request rather than the server.
func IsClientError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500
}

// Field returns the offending parameter name of a validation error.
func Field(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Field
	}
	return ""
}
