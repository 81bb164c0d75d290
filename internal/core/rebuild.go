package core

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// RebuildResult describes one completed month rebuild.
type RebuildResult struct {
	Tenant   TenantID
	Month    Month
	Subjects int   // Month rows written
	Removed  int   // Stale month rows dropped
	Total    int64 // Sum of all day counts in the month
	Duration time.Duration
}

// Rebuilder recomputes month counters from day counters.
type Rebuilder struct {
	store  Store
	locks  *scopeLocks
	logger *slog.Logger
}

// NewRebuilder creates a rebuilder over store.
func NewRebuilder(store Store, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{store: store, locks: newScopeLocks(), logger: logger}
}

// Rebuild replaces every month counter of (tenant, month) with the per-subject
// sums of that month's day counters. Subjects with no day rows lose their
// month row. The day read and the replace happen under the store's scope
// lock, so a writer in another process cannot slip stale sums in between.
// Storage failures are returned as *RebuildError and leave the scope as it
// was.
func (r *Rebuilder) Rebuild(ctx context.Context, tenant TenantID, month Month) (RebuildResult, error) {
	start := time.Now()

	unlock := r.locks.lock(tenant, month)
	defer unlock()

	var rows []MonthCounter
	stats, err := r.store.RebuildMonthScope(ctx, tenant, month, func(days []DayCounter) []MonthCounter {
		rows = sumByMonth(tenant, month, days)
		return rows
	})
	if err != nil {
		return RebuildResult{}, &RebuildError{Tenant: tenant, Month: month, Err: err}
	}

	result := RebuildResult{
		Tenant:   tenant,
		Month:    month,
		Subjects: stats.Written,
		Removed:  stats.Removed,
		Total:    lo.SumBy(rows, func(c MonthCounter) int64 { return c.Count }),
		Duration: time.Since(start),
	}

	r.logger.Debug("rebuild.complete",
		"tenant_id", tenant,
		"month", month,
		"subjects", result.Subjects,
		"removed", result.Removed,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// sumByMonth groups day counters by subject and sums them, returning one
// month row per subject in ascending subject order.
func sumByMonth(tenant TenantID, month Month, days []DayCounter) []MonthCounter {
	groups := lo.GroupBy(days, func(d DayCounter) SubjectID { return d.Subject })

	subjects := lo.Keys(groups)
	slices.Sort(subjects)

	return lo.Map(subjects, func(subject SubjectID, _ int) MonthCounter {
		return MonthCounter{
			Tenant:  tenant,
			Subject: subject,
			Month:   month,
			Count:   lo.SumBy(groups[subject], func(d DayCounter) int64 { return d.Count }),
		}
	})
}

// scopeLocks serializes writers of the same (tenant, month) scope within the
// process. Entries are dropped once no goroutine holds or waits for them.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[scopeKey]*scopeLock
}

type scopeKey struct {
	tenant TenantID
	month  Month
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[scopeKey]*scopeLock)}
}

func (s *scopeLocks) lock(tenant TenantID, month Month) (unlock func()) {
	key := scopeKey{tenant, month}

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &scopeLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
