package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ProgressInterval is how many rows are processed between progress reports.
var ProgressInterval = 100

// BatchRequest describes one CSV batch to import.
type BatchRequest struct {
	Tenant     TenantID
	Scope      Scope
	Reader     io.Reader
	Filter     *Month
	FileName   string
	OnProgress ProgressFunc
}

// Importer applies CSV batches to a Store.
type Importer struct {
	store     Store
	rebuilder *Rebuilder
	logger    *slog.Logger
}

// NewImporter creates an importer. Day batches rebuild the months they touch
// through rebuilder, which must wrap the same store.
func NewImporter(store Store, rebuilder *Rebuilder, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, rebuilder: rebuilder, logger: logger}
}

// ImportDayBatch imports a day-scope batch for tenant and rebuilds every month
// it touched. Only a *SchemaError aborts before rows are processed.
func (im *Importer) ImportDayBatch(ctx context.Context, tenant TenantID, r io.Reader, filter *Month) (*ImportResult, error) {
	return im.Import(ctx, BatchRequest{Tenant: tenant, Scope: ScopeDay, Reader: r, Filter: filter})
}

// ImportMonthBatch imports a month-scope batch for tenant, writing month
// counters directly. No rebuild is run.
func (im *Importer) ImportMonthBatch(ctx context.Context, tenant TenantID, r io.Reader, filter *Month) (*ImportResult, error) {
	return im.Import(ctx, BatchRequest{Tenant: tenant, Scope: ScopeMonth, Reader: r, Filter: filter})
}

// Import processes req row by row in input order.
//
// Rows that fail validation are skipped and rows the store rejects are
// recorded as failed; neither stops the batch. If reading stops early, because
// the context was cancelled or the input could not be read, the months touched
// so far are still rebuilt and the error is returned with the partial result.
func (im *Importer) Import(ctx context.Context, req BatchRequest) (*ImportResult, error) {
	start := time.Now()

	schema, ok := Get(req.Scope)
	if !ok {
		return nil, fmt.Errorf("unknown scope: %q", req.Scope)
	}

	result := &ImportResult{
		Tenant:   req.Tenant,
		Scope:    req.Scope,
		FileName: req.FileName,
		Filter:   req.Filter,
	}

	br, err := NewBatchReader(req.Reader, schema)
	if err != nil {
		return nil, err
	}

	progress := ImportProgress{Tenant: req.Tenant, Scope: req.Scope, Phase: PhaseReading, FileName: req.FileName}
	report := func() {
		if req.OnProgress != nil {
			req.OnProgress(progress)
		}
	}
	report()

	touched := make(map[Month]struct{})
	var readErr error

	for row, err := range br.Rows() {
		if err != nil && !IsRowError(err) {
			readErr = err
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			readErr = ctxErr
			break
		}

		var outcome RowOutcome
		var month Month
		switch {
		case err != nil:
			outcome = skipped(row.Line, ReasonUnreadable, err)
		case req.Scope == ScopeDay:
			outcome, month = im.dayRow(ctx, req, schema, row)
		default:
			outcome, month = im.monthRow(ctx, req, schema, row)
		}

		// A write cut short by cancellation is not a store failure; the
		// batch stops here and the row is left unrecorded.
		if outcome.Status == RowFailed && ctx.Err() != nil {
			readErr = ctx.Err()
			break
		}

		result.Outcomes = append(result.Outcomes, outcome)
		im.logOutcome(req, row, outcome)

		progress.RowsRead++
		if outcome.Status == RowImported {
			touched[month] = struct{}{}
			progress.Imported++
		} else {
			progress.Skipped++
		}

		if progress.RowsRead%ProgressInterval == 0 {
			report()
		}
	}
	if readErr == nil && ctx.Err() != nil {
		readErr = ctx.Err()
	}

	result.Months = sortedMonths(touched)

	if req.Scope == ScopeDay && len(result.Months) > 0 {
		progress.Phase = PhaseRebuilding
		report()
		im.rebuildTouched(context.WithoutCancel(ctx), result)
	}

	result.Duration = time.Since(start)
	if readErr != nil {
		result.Error = readErr.Error()
		return result, fmt.Errorf("import %s batch: %w", req.Scope, readErr)
	}
	return result, nil
}

// dayRow validates and writes one day-scope row.
func (im *Importer) dayRow(ctx context.Context, req BatchRequest, schema Schema, row Row) (RowOutcome, Month) {
	if row.Empty() {
		return skipped(row.Line, ReasonEmptyRow, nil), ""
	}

	guild, err := ParseTenantCell(row.Get(schema, ColGuildID))
	if err != nil {
		return skipped(row.Line, ReasonInvalidGuild, err), ""
	}
	if guild != req.Tenant {
		return skipped(row.Line, ReasonTenantMismatch, nil), ""
	}

	day, err := ParseDay(CleanCell(row.Get(schema, ColDay)))
	if err != nil {
		return skipped(row.Line, ReasonInvalidDay, err), ""
	}
	if req.Filter != nil && !req.Filter.Contains(day) {
		return skipped(row.Line, ReasonOutsideFilter, nil), ""
	}

	subject, err := ParseSubjectID(row.Get(schema, ColUserID))
	if err != nil {
		return skipped(row.Line, ReasonInvalidUser, err), ""
	}

	count, err := ParseInt(row.Get(schema, ColMessages))
	if err != nil {
		return skipped(row.Line, ReasonInvalidCount, err), ""
	}
	if count <= 0 {
		return skipped(row.Line, ReasonNonPositive, nil), ""
	}

	c := DayCounter{Tenant: req.Tenant, Subject: subject, Day: day, Count: count}
	if err := im.store.UpsertDay(ctx, c); err != nil {
		return failed(row.Line, ReasonStoreError, err), ""
	}
	return imported(row.Line), day.Month()
}

// monthRow validates and writes one month-scope row.
func (im *Importer) monthRow(ctx context.Context, req BatchRequest, schema Schema, row Row) (RowOutcome, Month) {
	if row.Empty() {
		return skipped(row.Line, ReasonEmptyRow, nil), ""
	}

	guild, err := ParseTenantCell(row.Get(schema, ColGuildID))
	if err != nil {
		return skipped(row.Line, ReasonInvalidGuild, err), ""
	}
	if guild != req.Tenant {
		return skipped(row.Line, ReasonTenantMismatch, nil), ""
	}

	month, err := ParseMonth(CleanCell(row.Get(schema, ColMonth)))
	if err != nil {
		return skipped(row.Line, ReasonInvalidMonth, err), ""
	}
	if req.Filter != nil && *req.Filter != month {
		return skipped(row.Line, ReasonOutsideFilter, nil), ""
	}

	subject, err := ParseSubjectID(row.Get(schema, ColUserID))
	if err != nil {
		return skipped(row.Line, ReasonInvalidUser, err), ""
	}

	count, err := ParseInt(row.Get(schema, ColMessages))
	if err != nil {
		return skipped(row.Line, ReasonInvalidCount, err), ""
	}
	if count <= 0 {
		return skipped(row.Line, ReasonNonPositive, nil), ""
	}

	c := MonthCounter{Tenant: req.Tenant, Subject: subject, Month: month, Count: count}

	// Direct writes share the scope lock with rebuilds of the same month.
	unlock := im.rebuilder.locks.lock(req.Tenant, month)
	err = im.store.UpsertMonth(ctx, c)
	unlock()
	if err != nil {
		return failed(row.Line, ReasonStoreError, err), ""
	}
	return imported(row.Line), month
}

// rebuildTouched rebuilds each touched month in ascending order. A failed
// month is logged and left out of the rebuilt count.
func (im *Importer) rebuildTouched(ctx context.Context, result *ImportResult) {
	for _, month := range result.Months {
		if _, err := im.rebuilder.Rebuild(ctx, result.Tenant, month); err != nil {
			im.logger.Error("rebuild.failed",
				"tenant_id", result.Tenant,
				"month", month,
				"error", err,
			)
			result.Failed = append(result.Failed, month)
			continue
		}
		result.Rebuilt = append(result.Rebuilt, month)
	}
}

func (im *Importer) logOutcome(req BatchRequest, row Row, o RowOutcome) {
	switch o.Status {
	case RowFailed:
		im.logger.Error("import.row_failed",
			"tenant_id", req.Tenant,
			"scope", req.Scope,
			"line", o.Line,
			"row", strings.Join(row.Fields, ","),
			"reason", o.Reason,
			"error", o.Err,
		)
	case RowSkipped:
		attrs := []any{
			"tenant_id", req.Tenant,
			"scope", req.Scope,
			"line", o.Line,
			"row", strings.Join(row.Fields, ","),
			"reason", o.Reason,
		}
		if o.Err != nil {
			attrs = append(attrs, "error", o.Err)
		}
		im.logger.Debug("import.row_skipped", attrs...)
	}
}

func sortedMonths(set map[Month]struct{}) []Month {
	months := lo.Keys(set)
	slices.Sort(months)
	return months
}
