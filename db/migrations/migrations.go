// Package migrations embeds the schema migration files so the server binary
// carries its own schema and needs no migrations directory at runtime.
package migrations

import "embed"

//go:embed *.up.sql
var Files embed.FS
