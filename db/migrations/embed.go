// Package dbmigrations exposes embedded SQL migrations for quantrail binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into quantrail binaries.
//
//go:embed *.sql
var Files embed.FS
