package migrations

import "embed"

// FS contains the embedded invite store schema migrations.
//
//go:embed *.sql
var FS embed.FS
