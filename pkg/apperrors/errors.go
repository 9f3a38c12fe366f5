package apperrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUndoUnavailable = errors.New("undo is not available for this table")
	ErrReplayFailed    = errors.New("could not replay transformation history")
	ErrTrackingOff     = errors.New("history tracking is disabled")
)

// AttrTypeError reports that an attribute has the wrong type for an operation.
type AttrTypeError struct {
	Table     string
	Attribute string
	Actual    string
	Expected  string
}

func (e *AttrTypeError) Error() string {
	return fmt.Sprintf("attribute %q of table %q has type %s, expected %s", e.Attribute, e.Table, e.Actual, e.Expected)
}

// ValueError reports an invalid argument: a malformed predicate, a bad name,
// a search value that cannot be matched as a substring.
type ValueError struct {
	Field   string
	Message string
}

func (e *ValueError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValueError builds a ValueError for the named field.
func NewValueError(field, format string, args ...any) error {
	return &ValueError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConversionError reports that the store rejected values while converting data,
// for example casting text to integer on rows that do not parse.
type ConversionError struct {
	Attribute string
	Target    string
	Cause     error
}

func (e *ConversionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("could not convert values of %q: %s", e.Attribute, causeMessage(e.Cause))
	}
	return fmt.Sprintf("could not convert %q to %s: %s", e.Attribute, e.Target, causeMessage(e.Cause))
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// ReplayError wraps the failure of one replayed step during undo.
type ReplayError struct {
	Step  int64
	Type  string
	Cause error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of transformation %d (%s) failed: %v", e.Step, e.Type, e.Cause)
}

func (e *ReplayError) Unwrap() []error { return []error{ErrReplayFailed, e.Cause} }

// IsUserError reports whether err should be shown to the caller verbatim.
func IsUserError(err error) bool {
	var attrErr *AttrTypeError
	var valErr *ValueError
	var convErr *ConversionError
	return errors.As(err, &attrErr) || errors.As(err, &valErr) || errors.As(err, &convErr)
}

// FromPg maps store errors to the application taxonomy. Data exceptions (SQLSTATE
// class 22) become ConversionError; undefined tables and columns become ErrNotFound;
// invalid regular expressions become ValueError. Anything else is returned unchanged.
func FromPg(err error, attribute, target string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "2201B":
		return &ValueError{Field: "pattern", Message: pgErr.Message}
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "22":
		return &ConversionError{Attribute: attribute, Target: target, Cause: err}
	case pgErr.Code == "42P01" || pgErr.Code == "42703" || pgErr.Code == "3F000":
		return fmt.Errorf("%s: %w", pgErr.Message, ErrNotFound)
	case pgErr.Code == "42P07" || pgErr.Code == "42701":
		return fmt.Errorf("%s: %w", pgErr.Message, ErrConflict)
	case pgErr.Code == "42601":
		return &ValueError{Field: "query", Message: pgErr.Message}
	}
	return err
}

func causeMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	if err == nil {
		return "unknown cause"
	}
	return err.Error()
}
