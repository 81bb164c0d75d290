package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportDays writes the day counters of (tenant, month) as a day-scope CSV
// that ImportDayBatch accepts unchanged. It returns the number of data rows.
func ExportDays(ctx context.Context, w io.Writer, store Store, tenant TenantID, month Month) (int, error) {
	days, err := store.QueryDaysInMonth(ctx, tenant, month)
	if err != nil {
		return 0, fmt.Errorf("query days for %s: %w", month, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(DaySchema.Columns); err != nil {
		return 0, err
	}
	for _, d := range days {
		if err := cw.Write([]string{
			d.Tenant.String(),
			string(d.Day),
			d.Subject.String(),
			strconv.FormatInt(d.Count, 10),
		}); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(days), cw.Error()
}

// ExportMonths writes the month counters of (tenant, month) as a month-scope
// CSV that ImportMonthBatch accepts unchanged.
func ExportMonths(ctx context.Context, w io.Writer, store Store, tenant TenantID, month Month) (int, error) {
	rows, err := store.QueryMonth(ctx, tenant, month)
	if err != nil {
		return 0, fmt.Errorf("query month %s: %w", month, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(MonthSchema.Columns); err != nil {
		return 0, err
	}
	for _, m := range rows {
		if err := cw.Write([]string{
			m.Tenant.String(),
			string(m.Month),
			m.Subject.String(),
			strconv.FormatInt(m.Count, 10),
		}); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}

// Export writes the given scope of (tenant, month) to w.
func (s *Service) Export(ctx context.Context, w io.Writer, scope Scope, tenant TenantID, month Month) (int, error) {
	switch scope {
	case ScopeDay:
		return ExportDays(ctx, w, s.store, tenant, month)
	case ScopeMonth:
		return ExportMonths(ctx, w, s.store, tenant, month)
	default:
		return 0, fmt.Errorf("unknown scope: %q", scope)
	}
}

// SubjectHistory returns a member's month counters in ascending month order.
func (s *Service) SubjectHistory(ctx context.Context, tenant TenantID, subject SubjectID) ([]MonthCounter, error) {
	return s.store.QuerySubjectMonths(ctx, tenant, subject)
}
