package postgres

// SQL queries for counter storage. Upserts use replace semantics: a
// conflicting row takes the new count, it is never added to.

const (
	queryUpsertDay = `
		INSERT INTO day_counters (guild_id, user_id, day, messages)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id, day) DO UPDATE SET messages = EXCLUDED.messages
	`

	queryUpsertMonth = `
		INSERT INTO month_counters (guild_id, user_id, month, messages)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id, month) DO UPDATE SET messages = EXCLUDED.messages
	`

	// queryLockScope serializes writers of one (guild, month) scope across
	// processes. The lock is released when the transaction ends.
	queryLockScope = `SELECT pg_advisory_xact_lock(hashtext($1))`

	// queryClearScope removes the whole month scope and reports who was in it.
	queryClearScope = `
		DELETE FROM month_counters
		WHERE guild_id = $1 AND month = $2
		RETURNING user_id
	`

	// queryDaysInMonth uses a half-open day range so the index on
	// (guild_id, day) serves it.
	queryDaysInMonth = `
		SELECT user_id, day, messages
		FROM day_counters
		WHERE guild_id = $1 AND day >= $2 AND day < $3
		ORDER BY day, user_id
	`

	queryMonth = `
		SELECT user_id, month, messages
		FROM month_counters
		WHERE guild_id = $1 AND month = $2
		ORDER BY user_id
	`

	querySubjectMonths = `
		SELECT user_id, month, messages
		FROM month_counters
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY month
	`

	queryEnsureMigrations = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`

	queryMigrationApplied = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`

	queryRecordMigration = `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`
)
