// Package migrations contains the embedded schema migrations, applied in
// lexical filename order at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
