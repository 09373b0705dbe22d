// Package migrations embeds the SQL schema of the sqlite persistence
// backend so the binary can create and upgrade it without files on disk.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS holds the migration files at its root, ready for database.Migrate.
var FS = files
