// Package migrations embeds the goose SQL migration files for charstore.
package migrations

import "embed"

// FS holds the embedded goose migration files, set as goose's base FS by
// RunMigrations so the binary needs no migrations directory on disk.
//
//go:embed *.sql
var FS embed.FS
