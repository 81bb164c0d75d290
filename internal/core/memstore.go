package core

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type dayKey struct {
	Subject SubjectID
	Day     Day
}

type monthKey struct {
	Subject SubjectID
	Month   Month
}

type tenantShard struct {
	mu     sync.RWMutex
	days   map[dayKey]int64
	months map[monthKey]int64
}

// MemoryStore is an in-process Store. It backs dry-run previews and tests.
// Each tenant has its own shard so tenants never contend.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[TenantID]*tenantShard
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[TenantID]*tenantShard)}
}

func (m *MemoryStore) shard(tenant TenantID) *tenantShard {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.tenants[tenant]
	if !ok {
		s = &tenantShard{
			days:   make(map[dayKey]int64),
			months: make(map[monthKey]int64),
		}
		m.tenants[tenant] = s
	}
	return s
}

func (m *MemoryStore) UpsertDay(ctx context.Context, c DayCounter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shard(c.Tenant)
	s.mu.Lock()
	s.days[dayKey{c.Subject, c.Day}] = c.Count
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) UpsertMonth(ctx context.Context, c MonthCounter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shard(c.Tenant)
	s.mu.Lock()
	s.months[monthKey{c.Subject, c.Month}] = c.Count
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) ReplaceMonthScope(ctx context.Context, tenant TenantID, month Month, rows []MonthCounter) (ReplaceStats, error) {
	if err := ctx.Err(); err != nil {
		return ReplaceStats{}, err
	}
	s := m.shard(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceMonth(month, rows), nil
}

// RebuildMonthScope holds the shard's write lock from the day read through
// the replace.
func (m *MemoryStore) RebuildMonthScope(ctx context.Context, tenant TenantID, month Month, compute RebuildFunc) (ReplaceStats, error) {
	if err := ctx.Err(); err != nil {
		return ReplaceStats{}, err
	}
	s := m.shard(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceMonth(month, compute(s.daysIn(tenant, month))), nil
}

func (s *tenantShard) replaceMonth(month Month, rows []MonthCounter) ReplaceStats {
	keep := make(map[SubjectID]bool, len(rows))
	for _, r := range rows {
		keep[r.Subject] = true
	}

	var stats ReplaceStats
	for k := range s.months {
		if k.Month == month && !keep[k.Subject] {
			delete(s.months, k)
			stats.Removed++
		}
	}
	for _, r := range rows {
		s.months[monthKey{r.Subject, month}] = r.Count
	}
	stats.Written = len(rows)
	return stats
}

func (s *tenantShard) daysIn(tenant TenantID, month Month) []DayCounter {
	var out []DayCounter
	for k, v := range s.days {
		if month.Contains(k.Day) {
			out = append(out, DayCounter{Tenant: tenant, Subject: k.Subject, Day: k.Day, Count: v})
		}
	}
	slices.SortFunc(out, func(a, b DayCounter) int {
		return cmp.Or(cmp.Compare(a.Day, b.Day), cmp.Compare(a.Subject, b.Subject))
	})
	return out
}

func (m *MemoryStore) QueryDaysInMonth(ctx context.Context, tenant TenantID, month Month) ([]DayCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.shard(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daysIn(tenant, month), nil
}

func (m *MemoryStore) QueryMonth(ctx context.Context, tenant TenantID, month Month) ([]MonthCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.shard(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MonthCounter
	for k, v := range s.months {
		if k.Month == month {
			out = append(out, MonthCounter{Tenant: tenant, Subject: k.Subject, Month: month, Count: v})
		}
	}
	slices.SortFunc(out, func(a, b MonthCounter) int { return cmp.Compare(a.Subject, b.Subject) })
	return out, nil
}

func (m *MemoryStore) QuerySubjectMonths(ctx context.Context, tenant TenantID, subject SubjectID) ([]MonthCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.shard(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MonthCounter
	for k, v := range s.months {
		if k.Subject == subject {
			out = append(out, MonthCounter{Tenant: tenant, Subject: subject, Month: k.Month, Count: v})
		}
	}
	slices.SortFunc(out, func(a, b MonthCounter) int { return cmp.Compare(a.Month, b.Month) })
	return out, nil
}

// Days returns every day counter of a tenant ordered by day then subject.
// It exists for tests and previews that need to compare whole-tenant state.
func (m *MemoryStore) Days(tenant TenantID) []DayCounter {
	s := m.shard(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DayCounter, 0, len(s.days))
	for k, v := range s.days {
		out = append(out, DayCounter{Tenant: tenant, Subject: k.Subject, Day: k.Day, Count: v})
	}
	slices.SortFunc(out, func(a, b DayCounter) int {
		return cmp.Or(cmp.Compare(a.Day, b.Day), cmp.Compare(a.Subject, b.Subject))
	})
	return out
}

var _ Store = (*MemoryStore)(nil)
