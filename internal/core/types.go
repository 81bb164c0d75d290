// Package core provides the business logic for guild activity imports.
// This package has no transport dependencies and can be used by any frontend.
package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TenantID identifies a guild. Counters of different tenants never mix.
type TenantID int64

// SubjectID identifies the member being counted within a tenant.
type SubjectID int64

func (t TenantID) String() string  { return strconv.FormatInt(int64(t), 10) }
func (s SubjectID) String() string { return strconv.FormatInt(int64(s), 10) }

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Day is a calendar date in ISO form "YYYY-MM-DD".
type Day string

// Month is a calendar month in ISO form "YYYY-MM".
type Month string

// ParseDay validates s as a "YYYY-MM-DD" date.
func ParseDay(s string) (Day, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("%w: day %q", ErrInvalidDate, s)
	}
	return Day(s), nil
}

// ParseMonth validates s as a "YYYY-MM" month.
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(monthLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	return Month(s), nil
}

// ParseMonthFilter parses an optional month filter. An empty string means no filter.
func ParseMonthFilter(s string) (*Month, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	m, err := ParseMonth(s)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseTenantID parses a guild identifier supplied by a caller.
func ParseTenantID(s string) (TenantID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTenant, s)
	}
	return TenantID(id), nil
}

// Month returns the month the day belongs to.
func (d Day) Month() Month {
	if len(d) < 7 {
		return ""
	}
	return Month(d[:7])
}

// Contains reports whether d falls within m.
func (m Month) Contains(d Day) bool {
	return d.Month() == m
}

// DayRange returns the first day of m and the first day of the following month.
// The range is half-open: [start, end).
func (m Month) DayRange() (start, end Day) {
	t, err := time.Parse(monthLayout, string(m))
	if err != nil {
		return "", ""
	}
	return Day(t.Format(dayLayout)), Day(t.AddDate(0, 1, 0).Format(dayLayout))
}

// DayCounter is an authoritative per-day message count snapshot.
// Unique key: (Tenant, Subject, Day).
type DayCounter struct {
	Tenant  TenantID
	Subject SubjectID
	Day     Day
	Count   int64
}

// MonthCounter is a per-month message count, either derived from day
// counters by a rebuild or written directly by a month-scope import.
// Unique key: (Tenant, Subject, Month).
type MonthCounter struct {
	Tenant  TenantID
	Subject SubjectID
	Month   Month
	Count   int64
}

// Store is the durable counter storage used by the importer and rebuilder.
//
// Upserts have replace semantics: the stored count is set to the given value,
// never accumulated. ReplaceMonthScope must be atomic: either every row of the
// (tenant, month) scope is replaced or the scope is left untouched.
//
// RebuildMonthScope reads the day counters of (tenant, month), passes them to
// compute and replaces the month scope with the result, all under one scope
// lock that other processes sharing the database also honour. No day write
// or month replace of that scope may land between the read and the replace.
type Store interface {
	UpsertDay(ctx context.Context, c DayCounter) error
	UpsertMonth(ctx context.Context, c MonthCounter) error
	ReplaceMonthScope(ctx context.Context, tenant TenantID, month Month, rows []MonthCounter) (ReplaceStats, error)
	RebuildMonthScope(ctx context.Context, tenant TenantID, month Month, compute RebuildFunc) (ReplaceStats, error)
	QueryDaysInMonth(ctx context.Context, tenant TenantID, month Month) ([]DayCounter, error)
	QueryMonth(ctx context.Context, tenant TenantID, month Month) ([]MonthCounter, error)
	QuerySubjectMonths(ctx context.Context, tenant TenantID, subject SubjectID) ([]MonthCounter, error)
}

// RebuildFunc turns the day counters of one month into its month rows.
type RebuildFunc func(days []DayCounter) []MonthCounter

// ReplaceStats reports what a scope replace changed.
type ReplaceStats struct {
	Written int // Rows present in the scope after the replace
	Removed int // Rows that existed before and were dropped
}

// Scope names the granularity of a batch.
type Scope string

const (
	ScopeDay   Scope = "day"
	ScopeMonth Scope = "month"
)

// ImportPhase indicates the current stage of import processing.
type ImportPhase string

const (
	PhaseQueued     ImportPhase = "queued"
	PhaseReading    ImportPhase = "reading"
	PhaseRebuilding ImportPhase = "rebuilding"
	PhaseComplete   ImportPhase = "complete"
	PhaseFailed     ImportPhase = "failed"
	PhaseCancelled  ImportPhase = "cancelled"
)

// Done reports whether the phase is final.
func (p ImportPhase) Done() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// ImportProgress represents the current state of an import job.
type ImportProgress struct {
	JobID      string      `json:"jobId"`
	Tenant     TenantID    `json:"guildId,string"`
	Scope      Scope       `json:"scope"`
	Phase      ImportPhase `json:"phase"`
	FileName   string      `json:"fileName,omitempty"`
	RowsRead   int         `json:"rowsRead"`
	Imported   int         `json:"imported"`
	Skipped    int         `json:"skipped"`
	BytesRead  int64       `json:"bytesRead"`
	BytesTotal int64       `json:"bytesTotal,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Percent returns byte-based progress (0-100), or 0 when the size is unknown.
func (p ImportProgress) Percent() int {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := int(p.BytesRead * 100 / p.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ProgressFunc is called periodically while a batch is processed.
type ProgressFunc func(ImportProgress)
