// Package core provides the business logic for guild activity imports.
//
// This package is the heart of the activity engine, containing all domain
// logic independent of any transport or storage driver. It is used by the
// HTTP server, the inbox watcher and the activityctl CLI without change.
//
// # Architecture
//
// The package is organized around a few concepts:
//
//   - Counters: [DayCounter] rows are the source of truth; [MonthCounter]
//     rows are derived aggregates, or authoritative when imported directly.
//   - Store: persistence behind the [Store] interface. [MemoryStore] is the
//     reference implementation; SQL stores live under internal/store.
//   - Importer: reconciles a CSV batch into the store row by row.
//   - Rebuilder: recomputes every month counter of one (guild, month) scope.
//   - Service: the entry point used by callers, adding background jobs,
//     concurrency limits, preview and export.
//
// # Batch Layouts
//
// Batches are CSV files with a header row. Columns are found by name, so
// their order is free. Each scope has a registered [Schema]:
//
//	guild_id,day,user_id,messages     (day scope)
//	guild_id,month,user_id,messages   (month scope)
//
// # Import Flow
//
//  1. Caller passes an io.Reader to [Service.Import] or [Service.StartImport]
//  2. The reader is wrapped to strip a BOM and replace invalid UTF-8
//  3. Each row is validated and upserted; bad rows are skipped, not fatal
//  4. Every month touched by a day batch is rebuilt once at the end
//  5. Progress is broadcast to subscribers via [Service.SubscribeProgress]
//
// A row for another guild, an unparseable cell or a month outside the
// requested filter is skipped with a reason; a row the store rejects is
// counted as failed. The batch itself only fails on a bad header, an
// unreadable stream or cancellation.
//
// # Rebuild
//
// A rebuild reads all day counters of the month, sums them per member and
// replaces the month scope atomically. Members with no day rows lose their
// month row. Rebuilds of the same scope are serialized.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - ACT001-ACT002: Activity errors (bad header, rebuild failure)
//   - DB004-DB008: Database errors (connections, deadlocks, locks)
//   - VAL001-VAL008: Validation errors (dates, months, guild ids)
//   - FILE001-FILE005: File errors (size, missing, empty)
//   - UPL001-UPL005: Import errors (cancelled, busy, not found)
package core
