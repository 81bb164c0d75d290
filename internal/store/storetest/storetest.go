// Package storetest holds behaviour tests shared by every core.Store
// implementation.
package storetest

import (
	"context"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/activitysync/internal/core"
)

// Run exercises a store returned fresh by open for each subtest. Tenants used
// are small integers; stores shared between runs should be reset by open.
func Run(t *testing.T, open func(t *testing.T) core.Store) {
	t.Run("UpsertDayReplaces", func(t *testing.T) { testUpsertDayReplaces(t, open(t)) })
	t.Run("UpsertMonthReplaces", func(t *testing.T) { testUpsertMonthReplaces(t, open(t)) })
	t.Run("QueryDaysInMonthBounds", func(t *testing.T) { testQueryDaysInMonthBounds(t, open(t)) })
	t.Run("ReplaceMonthScope", func(t *testing.T) { testReplaceMonthScope(t, open(t)) })
	t.Run("ReplaceIsScoped", func(t *testing.T) { testReplaceIsScoped(t, open(t)) })
	t.Run("QuerySubjectMonthsOrdered", func(t *testing.T) { testQuerySubjectMonths(t, open(t)) })
	t.Run("ImportScenarios", func(t *testing.T) { testImportScenarios(t, open(t)) })
	t.Run("RebuildMonthScope", func(t *testing.T) { testRebuildMonthScope(t, open(t)) })
}

// RunShared exercises two handles on one database, standing in for two
// processes. open returns both handles over a fresh, empty database.
func RunShared(t *testing.T, open func(t *testing.T) (a, b core.Store)) {
	t.Run("RebuildBlocksConcurrentWriter", func(t *testing.T) {
		a, b := open(t)
		testRebuildBlocksConcurrentWriter(t, a, b)
	})
}

// sumDays is the reference aggregation: one month row per subject, ascending.
func sumDays(days []core.DayCounter) []core.MonthCounter {
	sums := make(map[core.SubjectID]int64)
	for _, d := range days {
		sums[d.Subject] += d.Count
	}
	out := make([]core.MonthCounter, 0, len(sums))
	for subject, n := range sums {
		out = append(out, core.MonthCounter{Tenant: 1, Subject: subject, Month: "2024-03", Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func testRebuildMonthScope(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, d := range []core.DayCounter{
		{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 5},
		{Tenant: 1, Subject: 10, Day: "2024-03-02", Count: 7},
		{Tenant: 1, Subject: 20, Day: "2024-03-09", Count: 2},
		{Tenant: 1, Subject: 10, Day: "2024-04-01", Count: 100},
	} {
		if err := s.UpsertDay(ctx, d); err != nil {
			t.Fatalf("UpsertDay: %v", err)
		}
	}
	if err := s.UpsertMonth(ctx, core.MonthCounter{Tenant: 1, Subject: 99, Month: "2024-03", Count: 1}); err != nil {
		t.Fatalf("UpsertMonth: %v", err)
	}

	var seen []core.DayCounter
	stats, err := s.RebuildMonthScope(ctx, 1, "2024-03", func(days []core.DayCounter) []core.MonthCounter {
		seen = days
		return sumDays(days)
	})
	if err != nil {
		t.Fatalf("RebuildMonthScope: %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("compute saw %d day rows, want 3", len(seen))
	}
	if stats.Written != 2 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want 2 written, 1 removed", stats)
	}

	got, err := s.QueryMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryMonth: %v", err)
	}
	want := []core.MonthCounter{
		{Tenant: 1, Subject: 10, Month: "2024-03", Count: 12},
		{Tenant: 1, Subject: 20, Month: "2024-03", Count: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("scope = %+v, want %+v", got, want)
	}
}

// testRebuildBlocksConcurrentWriter starts a day write and rebuild on b while
// a is between reading days and replacing the scope. Whatever order the
// store imposes, the month row must end up equal to the day sum.
func testRebuildBlocksConcurrentWriter(t *testing.T, a, b core.Store) {
	ctx := context.Background()

	if err := a.UpsertDay(ctx, core.DayCounter{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 5}); err != nil {
		t.Fatalf("UpsertDay: %v", err)
	}

	other := make(chan error, 1)
	var once sync.Once
	_, err := a.RebuildMonthScope(ctx, 1, "2024-03", func(days []core.DayCounter) []core.MonthCounter {
		once.Do(func() {
			go func() {
				if err := b.UpsertDay(ctx, core.DayCounter{Tenant: 1, Subject: 10, Day: "2024-03-02", Count: 7}); err != nil {
					other <- err
					return
				}
				_, err := b.RebuildMonthScope(ctx, 1, "2024-03", sumDays)
				other <- err
			}()
			// Give b time to land its writes if nothing holds it back.
			time.Sleep(100 * time.Millisecond)
		})
		return sumDays(days)
	})
	if err != nil {
		t.Fatalf("rebuild on a: %v", err)
	}
	if err := <-other; err != nil {
		t.Fatalf("write and rebuild on b: %v", err)
	}

	got, err := a.QueryMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryMonth: %v", err)
	}
	want := []core.MonthCounter{{Tenant: 1, Subject: 10, Month: "2024-03", Count: 12}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("month rows = %+v, want %+v (day sum)", got, want)
	}
}

func testUpsertDayReplaces(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, n := range []int64{5, 9} {
		if err := s.UpsertDay(ctx, core.DayCounter{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: n}); err != nil {
			t.Fatalf("UpsertDay(%d): %v", n, err)
		}
	}

	days, err := s.QueryDaysInMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryDaysInMonth: %v", err)
	}
	want := []core.DayCounter{{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 9}}
	if !reflect.DeepEqual(days, want) {
		t.Fatalf("days = %+v, want %+v", days, want)
	}
}

func testUpsertMonthReplaces(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, n := range []int64{20, 7} {
		if err := s.UpsertMonth(ctx, core.MonthCounter{Tenant: 1, Subject: 30, Month: "2024-04", Count: n}); err != nil {
			t.Fatalf("UpsertMonth(%d): %v", n, err)
		}
	}

	rows, err := s.QueryMonth(ctx, 1, "2024-04")
	if err != nil {
		t.Fatalf("QueryMonth: %v", err)
	}
	want := []core.MonthCounter{{Tenant: 1, Subject: 30, Month: "2024-04", Count: 7}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
}

func testQueryDaysInMonthBounds(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, d := range []core.DayCounter{
		{Tenant: 1, Subject: 10, Day: "2024-02-29", Count: 1},
		{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 2},
		{Tenant: 1, Subject: 11, Day: "2024-03-31", Count: 3},
		{Tenant: 1, Subject: 10, Day: "2024-04-01", Count: 4},
		{Tenant: 2, Subject: 10, Day: "2024-03-15", Count: 5},
	} {
		if err := s.UpsertDay(ctx, d); err != nil {
			t.Fatalf("UpsertDay: %v", err)
		}
	}

	days, err := s.QueryDaysInMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryDaysInMonth: %v", err)
	}
	want := []core.DayCounter{
		{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 2},
		{Tenant: 1, Subject: 11, Day: "2024-03-31", Count: 3},
	}
	if !reflect.DeepEqual(days, want) {
		t.Fatalf("days = %+v, want %+v", days, want)
	}
}

func testReplaceMonthScope(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, subject := range []core.SubjectID{10, 20} {
		if err := s.UpsertMonth(ctx, core.MonthCounter{Tenant: 1, Subject: subject, Month: "2024-03", Count: 1}); err != nil {
			t.Fatalf("UpsertMonth: %v", err)
		}
	}

	rows := []core.MonthCounter{
		{Tenant: 1, Subject: 10, Month: "2024-03", Count: 12},
		{Tenant: 1, Subject: 30, Month: "2024-03", Count: 4},
	}
	stats, err := s.ReplaceMonthScope(ctx, 1, "2024-03", rows)
	if err != nil {
		t.Fatalf("ReplaceMonthScope: %v", err)
	}
	if stats.Written != 2 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want 2 written, 1 removed", stats)
	}

	got, err := s.QueryMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryMonth: %v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Fatalf("scope = %+v, want %+v", got, rows)
	}

	if _, err := s.ReplaceMonthScope(ctx, 1, "2024-03", nil); err != nil {
		t.Fatalf("ReplaceMonthScope(empty): %v", err)
	}
	if got, _ := s.QueryMonth(ctx, 1, "2024-03"); len(got) != 0 {
		t.Fatalf("scope after empty replace = %+v, want none", got)
	}
}

func testReplaceIsScoped(t *testing.T, s core.Store) {
	ctx := context.Background()

	others := []core.MonthCounter{
		{Tenant: 1, Subject: 10, Month: "2024-02", Count: 8},
		{Tenant: 2, Subject: 10, Month: "2024-03", Count: 9},
	}
	for _, m := range others {
		if err := s.UpsertMonth(ctx, m); err != nil {
			t.Fatalf("UpsertMonth: %v", err)
		}
	}

	if _, err := s.ReplaceMonthScope(ctx, 1, "2024-03", nil); err != nil {
		t.Fatalf("ReplaceMonthScope: %v", err)
	}

	for _, m := range others {
		got, err := s.QueryMonth(ctx, m.Tenant, m.Month)
		if err != nil {
			t.Fatalf("QueryMonth: %v", err)
		}
		if len(got) != 1 || got[0] != m {
			t.Errorf("neighbouring scope %d/%s = %+v, want %+v", m.Tenant, m.Month, got, m)
		}
	}
}

func testQuerySubjectMonths(t *testing.T, s core.Store) {
	ctx := context.Background()

	for _, m := range []core.MonthCounter{
		{Tenant: 1, Subject: 10, Month: "2024-05", Count: 3},
		{Tenant: 1, Subject: 10, Month: "2024-01", Count: 1},
		{Tenant: 1, Subject: 11, Month: "2024-02", Count: 9},
		{Tenant: 1, Subject: 10, Month: "2024-03", Count: 2},
	} {
		if err := s.UpsertMonth(ctx, m); err != nil {
			t.Fatalf("UpsertMonth: %v", err)
		}
	}

	got, err := s.QuerySubjectMonths(ctx, 1, 10)
	if err != nil {
		t.Fatalf("QuerySubjectMonths: %v", err)
	}
	var months []core.Month
	for _, m := range got {
		months = append(months, m.Month)
	}
	want := []core.Month{"2024-01", "2024-03", "2024-05"}
	if !reflect.DeepEqual(months, want) {
		t.Errorf("months = %v, want %v", months, want)
	}
}

// testImportScenarios runs the engine end to end against the store.
func testImportScenarios(t *testing.T, s core.Store) {
	ctx := context.Background()
	rebuilder := core.NewRebuilder(s, nil)
	im := core.NewImporter(s, rebuilder, nil)

	res, err := im.ImportDayBatch(ctx, 1, csvReader(
		"guild_id,day,user_id,messages",
		"1,2024-03-01,10,5",
		"1,2024-03-02,10,7",
		"1,2024-03-01,20,0",
	), nil)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if res.RowsImported() != 2 || res.MonthsRebuilt() != 1 {
		t.Fatalf("first import = %d rows / %d months, want 2/1", res.RowsImported(), res.MonthsRebuilt())
	}

	if _, err := im.ImportDayBatch(ctx, 1, csvReader(
		"guild_id,day,user_id,messages",
		"1,2024-03-01,10,9",
	), nil); err != nil {
		t.Fatalf("second import: %v", err)
	}

	got, err := s.QueryMonth(ctx, 1, "2024-03")
	if err != nil {
		t.Fatalf("QueryMonth: %v", err)
	}
	want := []core.MonthCounter{{Tenant: 1, Subject: 10, Month: "2024-03", Count: 16}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("month rows = %+v, want %+v", got, want)
	}
}

func csvReader(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}
