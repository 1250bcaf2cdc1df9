// Package migrations embeds the queue schema migrations so the procq binary
// can manage its own tables without SQL files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
