// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must be applied.
var Files = []string{
	"001_init.sql",
	"002_workflows.sql",
}
