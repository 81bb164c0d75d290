// Package postgres provides the PostgreSQL counter store used by the
// server in multi-process deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/store/postgres/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dayLayout = "2006-01-02"

// PoolConfig holds the connection pool settings.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store persists day and month counters in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded migrations in filename order, at most once each.
func (s *Store) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.pool, migrations.FS)
}

func (s *Store) UpsertDay(ctx context.Context, c core.DayCounter) error {
	day, err := time.Parse(dayLayout, string(c.Day))
	if err != nil {
		return fmt.Errorf("%w: %q", core.ErrInvalidDate, c.Day)
	}
	if _, err := s.pool.Exec(ctx, queryUpsertDay, int64(c.Tenant), int64(c.Subject), day, c.Count); err != nil {
		return fmt.Errorf("upsert day counter: %w", wrapContention(err))
	}
	return nil
}

// UpsertMonth takes the scope lock so a direct month write never interleaves
// with a rebuild of the same scope running in another process.
func (s *Store) UpsertMonth(ctx context.Context, c core.MonthCounter) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockScope(ctx, tx, c.Tenant, c.Month); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, queryUpsertMonth, int64(c.Tenant), int64(c.Subject), string(c.Month), c.Count); err != nil {
			return fmt.Errorf("upsert month counter: %w", err)
		}
		return nil
	})
	return wrapContention(err)
}

// ReplaceMonthScope clears (tenant, month) and bulk-loads rows with COPY in
// one transaction.
func (s *Store) ReplaceMonthScope(ctx context.Context, tenant core.TenantID, month core.Month, rows []core.MonthCounter) (core.ReplaceStats, error) {
	return s.replaceScope(ctx, tenant, month, func(pgx.Tx) ([]core.MonthCounter, error) {
		return rows, nil
	})
}

// RebuildMonthScope reads the month's day rows after taking the scope lock,
// so a rebuild in another process either finishes first or sees these rows.
func (s *Store) RebuildMonthScope(ctx context.Context, tenant core.TenantID, month core.Month, compute core.RebuildFunc) (core.ReplaceStats, error) {
	return s.replaceScope(ctx, tenant, month, func(tx pgx.Tx) ([]core.MonthCounter, error) {
		days, err := queryDays(ctx, tx, tenant, month)
		if err != nil {
			return nil, err
		}
		return compute(days), nil
	})
}

func (s *Store) replaceScope(ctx context.Context, tenant core.TenantID, month core.Month, build func(pgx.Tx) ([]core.MonthCounter, error)) (core.ReplaceStats, error) {
	var stats core.ReplaceStats

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockScope(ctx, tx, tenant, month); err != nil {
			return err
		}

		rows, err := build(tx)
		if err != nil {
			return err
		}

		cleared, err := tx.Query(ctx, queryClearScope, int64(tenant), string(month))
		if err != nil {
			return fmt.Errorf("clear month scope: %w", err)
		}
		ids, err := pgx.CollectRows(cleared, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("clear month scope: %w", err)
		}
		existing := make(map[core.SubjectID]struct{}, len(ids))
		for _, id := range ids {
			existing[core.SubjectID(id)] = struct{}{}
		}

		if len(rows) > 0 {
			n, err := tx.CopyFrom(ctx,
				pgx.Identifier{"month_counters"},
				[]string{"guild_id", "user_id", "month", "messages"},
				pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
					return []any{int64(tenant), int64(rows[i].Subject), string(month), rows[i].Count}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("copy month counters: %w", err)
			}
			stats.Written = int(n)
		}

		for _, r := range rows {
			delete(existing, r.Subject)
		}
		stats.Removed = len(existing)
		return nil
	})
	if err != nil {
		return core.ReplaceStats{}, wrapContention(err)
	}
	return stats, nil
}

func lockScope(ctx context.Context, tx pgx.Tx, tenant core.TenantID, month core.Month) error {
	key := fmt.Sprintf("month_counters:%d:%s", tenant, month)
	if _, err := tx.Exec(ctx, queryLockScope, key); err != nil {
		return fmt.Errorf("lock month scope: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) QueryDaysInMonth(ctx context.Context, tenant core.TenantID, month core.Month) ([]core.DayCounter, error) {
	return queryDays(ctx, s.pool, tenant, month)
}

func queryDays(ctx context.Context, q querier, tenant core.TenantID, month core.Month) ([]core.DayCounter, error) {
	first, next := month.DayRange()
	start, err := time.Parse(dayLayout, string(first))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidMonth, month)
	}
	end, err := time.Parse(dayLayout, string(next))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidMonth, month)
	}

	rows, err := q.Query(ctx, queryDaysInMonth, int64(tenant), start, end)
	if err != nil {
		return nil, fmt.Errorf("query days in %s: %w", month, err)
	}
	days, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.DayCounter, error) {
		var (
			subject, count int64
			day            time.Time
		)
		if err := row.Scan(&subject, &day, &count); err != nil {
			return core.DayCounter{}, err
		}
		return core.DayCounter{
			Tenant:  tenant,
			Subject: core.SubjectID(subject),
			Day:     core.Day(day.Format(dayLayout)),
			Count:   count,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan day counters: %w", err)
	}
	return days, nil
}

func (s *Store) QueryMonth(ctx context.Context, tenant core.TenantID, month core.Month) ([]core.MonthCounter, error) {
	rows, err := s.pool.Query(ctx, queryMonth, int64(tenant), string(month))
	if err != nil {
		return nil, fmt.Errorf("query month %s: %w", month, err)
	}
	return collectMonths(tenant, rows)
}

func (s *Store) QuerySubjectMonths(ctx context.Context, tenant core.TenantID, subject core.SubjectID) ([]core.MonthCounter, error) {
	rows, err := s.pool.Query(ctx, querySubjectMonths, int64(tenant), int64(subject))
	if err != nil {
		return nil, fmt.Errorf("query months for %d: %w", subject, err)
	}
	return collectMonths(tenant, rows)
}

func collectMonths(tenant core.TenantID, rows pgx.Rows) ([]core.MonthCounter, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.MonthCounter, error) {
		var (
			subject, count int64
			month          string
		)
		if err := row.Scan(&subject, &month, &count); err != nil {
			return core.MonthCounter{}, err
		}
		return core.MonthCounter{
			Tenant:  tenant,
			Subject: core.SubjectID(subject),
			Month:   core.Month(month),
			Count:   count,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan month counters: %w", err)
	}
	return out, nil
}

// wrapContention annotates lock contention so it maps to a retryable user
// message. 40P01 is deadlock_detected, 55P03 is lock_not_available.
func wrapContention(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01":
			return fmt.Errorf("deadlock detected: %w", err)
		case "55P03":
			return fmt.Errorf("database is locked: %w", err)
		}
	}
	return err
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFS fs.FS) error {
	if _, err := pool.Exec(ctx, queryEnsureMigrations); err != nil {
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
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			// Concurrent server starts race on the same migration.
			if _, err := tx.Exec(ctx, queryLockScope, "schema_migrations"); err != nil {
				return err
			}

			var applied bool
			if err := tx.QueryRow(ctx, queryMigrationApplied, name).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, queryRecordMigration, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

var _ core.Store = (*Store)(nil)
