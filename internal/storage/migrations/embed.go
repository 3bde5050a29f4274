// Package migrations embeds the subscription schema.
package migrations

import "embed"

// Files holds the golang-migrate *.sql files.
//
//go:embed *.sql
var Files embed.FS
