// Package migrations holds the SQL schema, embedded so the service and the
// migrate tool run the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
