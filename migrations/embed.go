// Package migrations embeds the forward-only SQL migrations applied by
// `facility-router migrate up`.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
