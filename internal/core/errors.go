package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMonth is returned when a month is not in "YYYY-MM" form.
	ErrInvalidMonth = errors.New("invalid month")

	// ErrInvalidDate is returned when a day is not a valid "YYYY-MM-DD" date.
	ErrInvalidDate = errors.New("invalid date")

	// ErrInvalidTenant is returned when a caller supplies a malformed guild id.
	ErrInvalidTenant = errors.New("invalid guild id")

	// ErrInvalidNumber is returned when an id or count cell is not an integer.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrJobNotFound is returned for unknown or expired import job ids.
	ErrJobNotFound = errors.New("import not found")

	// ErrImportCancelled is recorded on jobs cancelled before completion.
	ErrImportCancelled = errors.New("import cancelled")
)

// SchemaError reports a batch whose header is missing or lacks required
// columns. It aborts the whole batch before any row is processed.
type SchemaError struct {
	Scope    Scope
	Expected []string
	Missing  []string
	Err      error // underlying read error, if the header could not be read
}

func (e *SchemaError) Error() string {
	if len(e.Missing) == len(e.Expected) && e.Err != nil {
		return fmt.Sprintf("bad csv header for %s scope: %v (expected: %s)",
			e.Scope, e.Err, strings.Join(e.Expected, ", "))
	}
	return fmt.Sprintf("bad csv header for %s scope: missing required column %s (expected: %s)",
		e.Scope, strings.Join(e.Missing, ", "), strings.Join(e.Expected, ", "))
}

func (e *SchemaError) Unwrap() error { return e.Err }

// UserText is the message shown to the invoker for a rejected header.
func (e *SchemaError) UserText() string {
	return "Bad CSV header. Expected columns: " + strings.Join(e.Expected, ", ") + "."
}

// RebuildError reports a month scope that could not be replaced.
// The scope is left in its pre-call state.
type RebuildError struct {
	Tenant TenantID
	Month  Month
	Err    error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("rebuild month %s for guild %d: %v", e.Month, e.Tenant, e.Err)
}

func (e *RebuildError) Unwrap() error { return e.Err }

// RowError describes why a single row was not written. It is never returned
// to callers; it is carried in the row's outcome and in logs.
type RowError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("line %d: %s %q: %v", e.Line, e.Column, e.Value, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
