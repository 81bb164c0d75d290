// Package sqlite provides a SQLite-backed counter store for single-node
// deployments and the operator CLI.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists day and month counters in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite counter store and applies embedded migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection serializes scope replaces and keeps
	// ":memory:" databases from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) UpsertDay(ctx context.Context, c core.DayCounter) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO day_counters (guild_id, user_id, day, messages)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (guild_id, user_id, day) DO UPDATE SET messages = excluded.messages`,
		int64(c.Tenant), int64(c.Subject), string(c.Day), c.Count,
	)
	if err != nil {
		return fmt.Errorf("upsert day counter: %w", wrapBusy(err))
	}
	return nil
}

func (s *Store) UpsertMonth(ctx context.Context, c core.MonthCounter) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO month_counters (guild_id, user_id, month, messages)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (guild_id, user_id, month) DO UPDATE SET messages = excluded.messages`,
		int64(c.Tenant), int64(c.Subject), string(c.Month), c.Count,
	)
	if err != nil {
		return fmt.Errorf("upsert month counter: %w", wrapBusy(err))
	}
	return nil
}

// ReplaceMonthScope deletes every month row of (tenant, month) and writes rows
// in one transaction.
func (s *Store) ReplaceMonthScope(ctx context.Context, tenant core.TenantID, month core.Month, rows []core.MonthCounter) (core.ReplaceStats, error) {
	return s.replaceScope(ctx, tenant, month, func(*sql.Tx) ([]core.MonthCounter, error) {
		return rows, nil
	})
}

// RebuildMonthScope reads the month's day rows and replaces the scope with
// compute's result inside one write transaction.
func (s *Store) RebuildMonthScope(ctx context.Context, tenant core.TenantID, month core.Month, compute core.RebuildFunc) (core.ReplaceStats, error) {
	return s.replaceScope(ctx, tenant, month, func(tx *sql.Tx) ([]core.MonthCounter, error) {
		days, err := queryDays(ctx, tx, tenant, month)
		if err != nil {
			return nil, err
		}
		return compute(days), nil
	})
}

// replaceScope clears the scope as the first statement of the transaction.
// That takes SQLite's write lock before build reads anything, so a writer on
// another connection or process waits until commit.
func (s *Store) replaceScope(ctx context.Context, tenant core.TenantID, month core.Month, build func(*sql.Tx) ([]core.MonthCounter, error)) (core.ReplaceStats, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return core.ReplaceStats{}, fmt.Errorf("begin replace: %w", wrapBusy(err))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := clearScope(ctx, tx, tenant, month)
	if err != nil {
		return core.ReplaceStats{}, err
	}

	rows, err := build(tx)
	if err != nil {
		return core.ReplaceStats{}, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO month_counters (guild_id, user_id, month, messages) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return core.ReplaceStats{}, fmt.Errorf("prepare month insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, int64(tenant), int64(r.Subject), string(month), r.Count); err != nil {
			return core.ReplaceStats{}, fmt.Errorf("insert month counter %d: %w", r.Subject, wrapBusy(err))
		}
		delete(existing, r.Subject)
	}

	if err := tx.Commit(); err != nil {
		return core.ReplaceStats{}, fmt.Errorf("commit replace: %w", wrapBusy(err))
	}
	return core.ReplaceStats{Written: len(rows), Removed: len(existing)}, nil
}

// clearScope deletes the scope's month rows and returns the subjects it held.
func clearScope(ctx context.Context, tx *sql.Tx, tenant core.TenantID, month core.Month) (map[core.SubjectID]struct{}, error) {
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM month_counters WHERE guild_id = ? AND month = ? RETURNING user_id`,
		int64(tenant), string(month),
	)
	if err != nil {
		return nil, fmt.Errorf("clear month scope: %w", wrapBusy(err))
	}
	defer rows.Close()

	out := make(map[core.SubjectID]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan month scope: %w", err)
		}
		out[core.SubjectID(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clear month scope: %w", wrapBusy(err))
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) QueryDaysInMonth(ctx context.Context, tenant core.TenantID, month core.Month) ([]core.DayCounter, error) {
	return queryDays(ctx, s.sqlDB, tenant, month)
}

func queryDays(ctx context.Context, q querier, tenant core.TenantID, month core.Month) ([]core.DayCounter, error) {
	start, end := month.DayRange()
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, day, messages FROM day_counters
		 WHERE guild_id = ? AND day >= ? AND day < ?
		 ORDER BY day, user_id`,
		int64(tenant), string(start), string(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query days in %s: %w", month, wrapBusy(err))
	}
	defer rows.Close()

	var out []core.DayCounter
	for rows.Next() {
		var (
			subject, count int64
			day            string
		)
		if err := rows.Scan(&subject, &day, &count); err != nil {
			return nil, fmt.Errorf("scan day counter: %w", err)
		}
		out = append(out, core.DayCounter{
			Tenant:  tenant,
			Subject: core.SubjectID(subject),
			Day:     core.Day(day),
			Count:   count,
		})
	}
	return out, rows.Err()
}

func (s *Store) QueryMonth(ctx context.Context, tenant core.TenantID, month core.Month) ([]core.MonthCounter, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, month, messages FROM month_counters
		 WHERE guild_id = ? AND month = ?
		 ORDER BY user_id`,
		int64(tenant), string(month),
	)
	if err != nil {
		return nil, fmt.Errorf("query month %s: %w", month, wrapBusy(err))
	}
	return scanMonths(tenant, rows)
}

func (s *Store) QuerySubjectMonths(ctx context.Context, tenant core.TenantID, subject core.SubjectID) ([]core.MonthCounter, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, month, messages FROM month_counters
		 WHERE guild_id = ? AND user_id = ?
		 ORDER BY month`,
		int64(tenant), int64(subject),
	)
	if err != nil {
		return nil, fmt.Errorf("query months for %d: %w", subject, wrapBusy(err))
	}
	return scanMonths(tenant, rows)
}

func scanMonths(tenant core.TenantID, rows *sql.Rows) ([]core.MonthCounter, error) {
	defer rows.Close()

	var out []core.MonthCounter
	for rows.Next() {
		var (
			subject, count int64
			month          string
		)
		if err := rows.Scan(&subject, &month, &count); err != nil {
			return nil, fmt.Errorf("scan month counter: %w", err)
		}
		out = append(out, core.MonthCounter{
			Tenant:  tenant,
			Subject: core.SubjectID(subject),
			Month:   core.Month(month),
			Count:   count,
		})
	}
	return out, rows.Err()
}

// wrapBusy annotates lock contention so it maps to a retryable user message.
func wrapBusy(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("database is locked: %w", err)
		}
	}
	return err
}

// applyMigrations executes embedded migrations in filename order, at most
// once per file.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

var _ core.Store = (*Store)(nil)
