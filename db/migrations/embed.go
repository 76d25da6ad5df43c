// Package dbmigrations exposes embedded SQL migrations for Floodgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Floodgate binaries.
//
//go:embed *.sql
var Files embed.FS
