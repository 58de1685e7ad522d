// Package migrations holds the SQL schema of the intent and history stores.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
