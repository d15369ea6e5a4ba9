// Package migrations holds the Postgres schema, applied in version order by
// persistence.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
