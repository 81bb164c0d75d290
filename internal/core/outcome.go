package core

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
)

// RowStatus is the disposition of a single batch row.
type RowStatus int

const (
	RowImported RowStatus = iota
	RowSkipped            // rejected by a filter or a parse failure
	RowFailed             // valid row the store could not write
)

func (s RowStatus) String() string {
	switch s {
	case RowImported:
		return "imported"
	case RowSkipped:
		return "skipped"
	case RowFailed:
		return "failed"
	default:
		return fmt.Sprintf("RowStatus(%d)", int(s))
	}
}

// Skip reasons recorded on RowOutcome.Reason.
const (
	ReasonEmptyRow       = "empty row"
	ReasonTenantMismatch = "guild mismatch"
	ReasonOutsideFilter  = "outside month filter"
	ReasonNonPositive    = "non-positive count"
	ReasonUnreadable     = "unreadable record"
	ReasonInvalidGuild   = "invalid guild_id"
	ReasonInvalidUser    = "invalid user_id"
	ReasonInvalidCount   = "invalid messages"
	ReasonInvalidDay     = "invalid day"
	ReasonInvalidMonth   = "invalid month"
	ReasonStoreError     = "store error"
)

// RowOutcome records what happened to one row.
type RowOutcome struct {
	Line   int
	Status RowStatus
	Reason string // empty for imported rows
	Err    error  // underlying error for parse and store failures
}

func imported(line int) RowOutcome {
	return RowOutcome{Line: line, Status: RowImported}
}

func skipped(line int, reason string, err error) RowOutcome {
	return RowOutcome{Line: line, Status: RowSkipped, Reason: reason, Err: err}
}

func failed(line int, reason string, err error) RowOutcome {
	return RowOutcome{Line: line, Status: RowFailed, Reason: reason, Err: err}
}

// ImportResult is the outcome of one batch import.
type ImportResult struct {
	JobID    string        `json:"jobId,omitempty"`
	Tenant   TenantID      `json:"guildId,string"`
	Scope    Scope         `json:"scope"`
	FileName string        `json:"fileName,omitempty"`
	Filter   *Month        `json:"month,omitempty"`
	Outcomes []RowOutcome  `json:"-"`
	Months   []Month       `json:"months"` // touched months, ascending
	Rebuilt  []Month       `json:"rebuilt,omitempty"`
	Failed   []Month       `json:"rebuildFailed,omitempty"`
	DryRun   bool          `json:"dryRun,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

func (r *ImportResult) count(status RowStatus) int {
	return lo.CountBy(r.Outcomes, func(o RowOutcome) bool { return o.Status == status })
}

// RowsImported is the number of rows written to the store.
func (r *ImportResult) RowsImported() int { return r.count(RowImported) }

// RowsSkipped is the number of rows rejected by filters or parse failures.
func (r *ImportResult) RowsSkipped() int { return r.count(RowSkipped) }

// RowsFailed is the number of valid rows the store rejected.
func (r *ImportResult) RowsFailed() int { return r.count(RowFailed) }

// MonthsRebuilt is the number of month aggregates successfully rebuilt.
func (r *ImportResult) MonthsRebuilt() int { return len(r.Rebuilt) }

// MonthsTouched is the number of distinct months written by the batch.
func (r *ImportResult) MonthsTouched() int { return len(r.Months) }

// Summary is the one-line report shown to the invoker.
func (r *ImportResult) Summary() string {
	if r.Scope == ScopeMonth {
		return fmt.Sprintf("Imported **%s** month rows into %s month(s).",
			humanize.Comma(int64(r.RowsImported())), humanize.Comma(int64(r.MonthsTouched())))
	}
	return fmt.Sprintf("Imported **%s** day rows. Rebuilt **%s** month aggregates.",
		humanize.Comma(int64(r.RowsImported())), humanize.Comma(int64(r.MonthsRebuilt())))
}

// SkipReasons tallies skipped and failed rows by reason.
func (r *ImportResult) SkipReasons() map[string]int {
	rejected := lo.Filter(r.Outcomes, func(o RowOutcome, _ int) bool { return o.Status != RowImported })
	return lo.CountValuesBy(rejected, func(o RowOutcome) string { return o.Reason })
}
