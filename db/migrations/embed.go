// Package dbmigrations exposes embedded SQL migrations for sequencer binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into sequencer binaries.
//
//go:embed *.sql
var Files embed.FS
