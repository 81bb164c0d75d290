package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for counter storage.
//
//go:embed *.sql
var FS embed.FS
