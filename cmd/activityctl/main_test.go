package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/logging"
)

// run executes the root command against a SQLite file and returns stdout.
func run(t *testing.T, db, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--store", "sqlite", "--dsn", db, "--log-level", "error"}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func writeBatch(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ==========================================================================
// import
// ==========================================================================

func TestImportDay_ThenExport(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t,
		"guild_id,day,user_id,messages",
		"1,2024-03-01,10,5",
		"1,2024-03-02,10,7",
		"1,2024-03-02,20,oops",
	)

	out, err := run(t, db, "", "--guild", "1", "import-day", batch)
	if err != nil {
		t.Fatalf("import-day: %v", err)
	}
	if !strings.Contains(out, "Imported 2 day rows. Rebuilt 1 month aggregates.") {
		t.Errorf("import output = %q", out)
	}
	if !strings.Contains(out, "REJECTED") {
		t.Errorf("import output missing rejected table: %q", out)
	}

	out, err = run(t, db, "", "--guild", "1", "export", "month", "--month", "2024-03")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := "guild_id,month,user_id,messages\n1,2024-03,10,12\n"
	if out != want {
		t.Errorf("export = %q, want %q", out, want)
	}
}

func TestImportMonth_FromStdin(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")

	out, err := run(t, db, "guild_id,month,user_id,messages\n3,2024-05,10,40\n",
		"--guild", "3", "import-month", "-")
	if err != nil {
		t.Fatalf("import-month: %v", err)
	}
	if !strings.Contains(out, "Imported 1 month rows into 1 month(s).") {
		t.Errorf("import output = %q", out)
	}
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t, "guild_id,day,user_id,messages", "1,2024-03-01,10,5")

	out, err := run(t, db, "", "--guild", "1", "import-day", "--dry-run", batch)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.HasPrefix(out, "[dry run] ") {
		t.Errorf("dry run output = %q", out)
	}

	out, err = run(t, db, "", "--guild", "1", "export", "day", "--month", "2024-03")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != "guild_id,day,user_id,messages\n" {
		t.Errorf("export after dry run = %q, want header only", out)
	}
}

func TestImport_MonthFilter(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t,
		"guild_id,day,user_id,messages",
		"1,2024-03-01,10,5",
		"1,2024-04-01,10,9",
	)

	if _, err := run(t, db, "", "--guild", "1", "import-day", "--month", "2024-04", batch); err != nil {
		t.Fatalf("import-day: %v", err)
	}

	out, _ := run(t, db, "", "--guild", "1", "export", "month", "--month", "2024-03")
	if strings.Count(out, "\n") != 1 {
		t.Errorf("March should be empty, got %q", out)
	}
}

func TestImport_Errors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t, "guild_id,day", "1,2024-03-01")

	tests := []struct {
		name string
		args []string
	}{
		{"missing guild", []string{"import-day", batch}},
		{"bad guild", []string{"--guild", "abc", "import-day", batch}},
		{"bad header", []string{"--guild", "1", "import-day", batch}},
		{"bad month filter", []string{"--guild", "1", "import-day", "--month", "2024-13", batch}},
		{"missing file", []string{"--guild", "1", "import-day", filepath.Join(t.TempDir(), "nope.csv")}},
		{"no args", []string{"--guild", "1", "import-day"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, db, "", tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

// ==========================================================================
// rebuild, export, chart
// ==========================================================================

func TestRebuild(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t, "guild_id,day,user_id,messages", "1,2024-03-01,10,1200")
	if _, err := run(t, db, "", "--guild", "1", "import-day", batch); err != nil {
		t.Fatalf("import-day: %v", err)
	}

	out, err := run(t, db, "", "--guild", "1", "rebuild", "2024-03")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	want := "Rebuilt 2024-03: 1 members, 0 removed, 1,200 messages.\n"
	if out != want {
		t.Errorf("rebuild = %q, want %q", out, want)
	}

	if _, err := run(t, db, "", "--guild", "1", "rebuild", "March"); err == nil {
		t.Error("rebuild accepted a malformed month")
	}
}

func TestExport_ToFile(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t, "guild_id,day,user_id,messages", "1,2024-03-01,10,5")
	if _, err := run(t, db, "", "--guild", "1", "import-day", batch); err != nil {
		t.Fatalf("import-day: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "days.csv")
	out, err := run(t, db, "", "--guild", "1", "export", "day", "--month", "2024-03", "-o", dst)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != "" {
		t.Errorf("stdout = %q, want empty when writing a file", out)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if want := "guild_id,day,user_id,messages\n1,2024-03-01,10,5\n"; string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestExport_RequiresMonth(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	if _, err := run(t, db, "", "--guild", "1", "export", "day"); err == nil {
		t.Error("export without --month succeeded")
	}
	if _, err := run(t, db, "", "--guild", "1", "export", "week", "--month", "2024-03"); err == nil {
		t.Error("export accepted an unknown scope")
	}
}

func TestChart(t *testing.T) {
	db := filepath.Join(t.TempDir(), "activity.db")
	batch := writeBatch(t,
		"guild_id,month,user_id,messages",
		"1,2024-01,10,5",
		"1,2024-02,10,20",
		"1,2024-03,10,11",
	)
	if _, err := run(t, db, "", "--guild", "1", "import-month", batch); err != nil {
		t.Fatalf("import-month: %v", err)
	}

	out, err := run(t, db, "", "--guild", "1", "chart", "10", "--height", "5")
	if err != nil {
		t.Fatalf("chart: %v", err)
	}
	if !strings.Contains(out, "user 10: 2024-01 to 2024-03, 36 messages") {
		t.Errorf("chart caption missing: %q", out)
	}

	out, err = run(t, db, "", "--guild", "1", "chart", "99")
	if err != nil {
		t.Fatalf("chart(empty): %v", err)
	}
	if out != "No month counters for user 99.\n" {
		t.Errorf("chart(empty) = %q", out)
	}
}

// ==========================================================================
// error output
// ==========================================================================

func TestReportError_HidesDetail(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	err := &core.RebuildError{Tenant: 1, Month: "2024-03", Err: errors.New("write tcp 10.0.0.5:5432: broken pipe")}

	var logs bytes.Buffer
	logging.Setup(&logs, "warn", "text")
	var out bytes.Buffer
	reportError(&out, err)

	if !strings.Contains(out.String(), "ACT002") {
		t.Errorf("output = %q, want the user message code", out.String())
	}
	if strings.Contains(out.String()+logs.String(), "10.0.0.5") {
		t.Errorf("storage detail leaked at warn level: %q %q", out.String(), logs.String())
	}

	logs.Reset()
	logging.Setup(&logs, "debug", "text")
	reportError(&bytes.Buffer{}, err)
	if !strings.Contains(logs.String(), "10.0.0.5") {
		t.Errorf("debug log = %q, want the technical error", logs.String())
	}
}
